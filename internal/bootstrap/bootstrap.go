// Package bootstrap wires the shared services for one peer process: it
// loads configuration, constructs the registry, storage, link set, and
// scheduler, then drives the accept loop, outbound dials, the two
// scheduler tasks, and the completion watcher until the swarm finishes or
// the process is asked to stop.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/swarmshare/internal/config"
	"github.com/prxssh/swarmshare/internal/logging"
	"github.com/prxssh/swarmshare/internal/peerlink"
	"github.com/prxssh/swarmshare/internal/registry"
	"github.com/prxssh/swarmshare/internal/storage"
	"github.com/prxssh/swarmshare/internal/swarm"
	"github.com/prxssh/swarmshare/pkg/cast"
	"github.com/prxssh/swarmshare/pkg/retry"
	"golang.org/x/sync/errgroup"
)

const (
	baseReadTimeout     = 2 * time.Minute
	completionPollEvery = 30 * time.Second
)

// Peer owns every shared service for one running peer process.
type Peer struct {
	selfID uint32
	self   config.PeerEntry
	peers  []config.PeerEntry
	common *config.Common

	registry    *registry.PieceRegistry
	storage     *storage.FileAdapter
	links       *swarm.LinkSet
	scheduler   *swarm.Scheduler
	readTimeout time.Duration

	log    *slog.Logger
	events *logging.PeerLogger

	stop         context.CancelFunc
	completeOnce sync.Once
}

// New loads both config files, opens the backing storage file and the
// per-peer log, and assembles the shared services for selfIDStr. It does
// not open a listener or start any goroutine; call Run for that.
func New(selfIDStr, commonConfigPath, peerTablePath, storageDir, logDir string, log *slog.Logger) (*Peer, error) {
	selfID, err := cast.ToUint32(selfIDStr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: invalid peer id %q: %w", selfIDStr, err)
	}

	common, err := config.LoadCommon(commonConfigPath)
	if err != nil {
		return nil, err
	}

	peers, err := config.LoadPeerTable(peerTablePath)
	if err != nil {
		return nil, err
	}
	self, ok := config.Self(peers, selfIDStr)
	if !ok {
		return nil, fmt.Errorf("bootstrap: peer id %q not present in peer table", selfIDStr)
	}

	config.Store(common)

	events, err := logging.Open(logDir, selfID)
	if err != nil {
		return nil, err
	}

	st, err := storage.Open(storageDir, common.FileName, common.FileSize, int32(common.PieceSize))
	if err != nil {
		events.Close()
		return nil, err
	}

	reg := registry.New(common.NumPieces, self.HasFile)
	links := swarm.NewLinkSet()

	// The read timeout must not be shorter than the unchoking interval, or
	// a quiet-but-healthy link during a slow interval looks like a stall.
	readTimeout := baseReadTimeout
	if unchoking := time.Duration(common.UnchokingInterval) * time.Second; unchoking > readTimeout {
		readTimeout = unchoking
	}

	p := &Peer{
		selfID:      selfID,
		self:        self,
		peers:       peers,
		common:      common,
		registry:    reg,
		storage:     st,
		links:       links,
		readTimeout: readTimeout,
		log:         log.With("peer", selfID),
		events:      events,
	}

	p.scheduler = swarm.NewScheduler(links, reg, p.log, swarm.Config{
		NumberOfPreferredNeighbors:  common.NumberOfPreferredNeighbors,
		UnchokingInterval:           time.Duration(common.UnchokingInterval) * time.Second,
		OptimisticUnchokingInterval: time.Duration(common.OptimisticUnchokingInterval) * time.Second,
		OnPreferredChange:           events.PreferredChange,
		OnOptimisticChange:          events.OptimisticChange,
		OnThroughput:                events.Throughput,
	})

	return p, nil
}

// Run blocks until every peer in the swarm has the complete file or ctx is
// cancelled, whichever comes first.
func (p *Peer) Run(ctx context.Context) error {
	defer p.storage.Close()
	defer p.events.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.self.Port))
	if err != nil {
		return fmt.Errorf("bootstrap: listen on port %d: %w", p.self.Port, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.stop = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.acceptLoop(gctx, ln) })
	g.Go(func() error { return p.dialOutbound(gctx) })
	g.Go(func() error { return p.scheduler.Run(gctx) })
	g.Go(func() error { return p.completionWatcher(gctx) })

	go func() {
		<-gctx.Done()
		ln.Close()
	}()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func (p *Peer) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bootstrap: accept: %w", err)
		}
		go p.handleConn(conn)
	}
}

// dialOutbound connects to every peer-table row preceding this peer's own
// row, retrying with backoff since an earlier peer's listener may not be
// up yet when this process starts.
func (p *Peer) dialOutbound(ctx context.Context) error {
	targets := config.PeersBefore(p.peers, p.self.ID)
	for _, target := range targets {
		target := target
		go func() {
			addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
			var link *peerlink.PeerLink
			err := retry.Do(ctx, func(ctx context.Context) error {
				l, err := peerlink.Dial(addr, p.newDeps())
				if err != nil {
					return err
				}
				link = l
				return nil
			}, retry.WithMaxAttempts(10), retry.WithInitialDelay(500*time.Millisecond), retry.WithMaxDelay(10*time.Second))
			if err != nil {
				p.log.Error("giving up dialing peer", "addr", addr, "error", err)
				return
			}
			p.runLink(link)
		}()
	}
	return nil
}

func (p *Peer) handleConn(conn net.Conn) {
	link, err := peerlink.Accept(conn, p.newDeps())
	if err != nil {
		p.log.Warn("inbound handshake failed", "error", err)
		conn.Close()
		return
	}
	p.runLink(link)
}

func (p *Peer) runLink(link *peerlink.PeerLink) {
	p.links.Insert(link)
	defer p.links.Remove(link)

	if err := link.Run(); err != nil {
		p.log.Debug("link closed", "neighbor", link.RemotePeerID(), "error", err)
	}
}

func (p *Peer) newDeps() *peerlink.Deps {
	return &peerlink.Deps{
		Registry:               p.registry,
		Storage:                p.storage,
		NumPieces:              p.common.NumPieces,
		MaxFrameLen:            uint32(p.common.PieceSize) + 16,
		ReadTimeout:            p.readTimeout,
		SelfID:                 p.selfID,
		Log:                    p.log,
		Events:                 p.events,
		BroadcastHave:          p.links.BroadcastHave,
		BroadcastNotInterested: p.links.BroadcastNotInterested,
		AllComplete:            p.checkCompletion,
	}
}

// completionWatcher is the background completion detector: the local
// registry and every live neighbor's last-known bitfield must all report
// complete before the process is allowed to exit. It polls on a fixed
// interval as a backstop; checkCompletion gives an immediate check right
// after this peer's own download finishes.
func (p *Peer) completionWatcher(ctx context.Context) error {
	ticker := time.NewTicker(completionPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.checkCompletion()
		}
	}
}

// checkCompletion is safe to call from any goroutine (the receive loops,
// via peerlink.Deps.AllComplete, and the periodic watcher).
func (p *Peer) checkCompletion() {
	if !p.allComplete() {
		return
	}
	if p.stop == nil {
		return
	}
	p.completeOnce.Do(func() {
		p.log.Info("all peers complete")
		p.events.AllPeersComplete()
	})
	p.stop()
}

func (p *Peer) allComplete() bool {
	if !p.registry.IsComplete() {
		return false
	}
	for _, link := range p.links.Snapshot() {
		nb := link.NeighborBitfield()
		if nb == nil || !registry.BitfieldIsComplete(nb, p.common.NumPieces) {
			return false
		}
	}
	return true
}
