// Command peer runs one participant in a fixed swarm: it loads the two
// config files from the working directory, dials every peer listed before
// its own row in the peer table, accepts inbound connections on its own
// row's port, and blocks until every peer in the swarm has the complete
// file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/prxssh/swarmshare/internal/bootstrap"
	"github.com/prxssh/swarmshare/pkg/logging"
)

const (
	commonConfigFile = "Common.cfg"
	peerTableFile    = "PeerInfo.cfg"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, color.RedString("usage: peer <peer-id>"))
		os.Exit(1)
	}
	selfID := os.Args[1]

	wd, err := os.Getwd()
	if err != nil {
		slog.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}

	storageDir := selfID
	p, err := bootstrap.New(selfID, commonConfigFile, peerTableFile, storageDir, wd, slog.Default())
	if err != nil {
		slog.Error("failed to start peer", "peer", selfID, "error", err)
		os.Exit(1)
	}

	fmt.Println(color.CyanString("peer %s starting", selfID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		slog.Error("peer exited with error", "peer", selfID, "error", err)
		os.Exit(1)
	}

	fmt.Println(color.GreenString("peer %s done", selfID))
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
