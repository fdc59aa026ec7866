// Package logging implements the per-peer activity log: every handshake,
// choke transition, interest change, and piece transfer a PeerLink or the
// scheduler observes, written to one file per running process.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/swarmshare/internal/peerlink"
	"github.com/prxssh/swarmshare/internal/swarm"
	plog "github.com/prxssh/swarmshare/pkg/logging"
)

// PeerLogger is the process-wide activity log. It satisfies
// peerlink.EventLogger and additionally exposes the scheduler's
// preferred/optimistic-neighbor change events, which have no per-link home.
type PeerLogger struct {
	selfID uint32
	log    *slog.Logger
	file   *os.File
}

// Open creates (or truncates) dir/log_peer_<selfID>.log and returns a
// logger writing one plain-text line per event, matching the teacher's
// console format but with color disabled for the file sink.
func Open(dir string, selfID uint32) (*PeerLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("log_peer_%d.log", selfID)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", name, err)
	}

	opts := plog.DefaultOptions()
	opts.UseColor = false
	handler := plog.NewPrettyHandler(f, &opts)

	return &PeerLogger{
		selfID: selfID,
		log:    slog.New(handler).With("peer", selfID),
		file:   f,
	}, nil
}

func (l *PeerLogger) Close() error { return l.file.Close() }

// Connected satisfies peerlink.EventLogger: logs the TCP connection to
// neighborID being established, and whether we dialed or accepted it.
func (l *PeerLogger) Connected(neighborID uint32, dir peerlink.Direction) {
	l.log.Info("connected to neighbor", "neighbor", neighborID, "direction", dir.String())
}

func (l *PeerLogger) ChokedBy(neighborID uint32) {
	l.log.Info("choked by neighbor", "neighbor", neighborID)
}

func (l *PeerLogger) UnchokedBy(neighborID uint32) {
	l.log.Info("unchoked by neighbor", "neighbor", neighborID)
}

func (l *PeerLogger) ChokingNeighbor(neighborID uint32) {
	l.log.Info("choking neighbor", "neighbor", neighborID)
}

func (l *PeerLogger) UnchokingNeighbor(neighborID uint32) {
	l.log.Info("unchoking neighbor", "neighbor", neighborID)
}

func (l *PeerLogger) ReceivedHave(neighborID uint32, index int) {
	l.log.Info("received have", "neighbor", neighborID, "piece", index)
}

func (l *PeerLogger) ReceivedInterested(neighborID uint32) {
	l.log.Info("received interested", "neighbor", neighborID)
}

func (l *PeerLogger) ReceivedNotInterested(neighborID uint32) {
	l.log.Info("received not interested", "neighbor", neighborID)
}

func (l *PeerLogger) DownloadedPiece(neighborID uint32, index int, have int) {
	l.log.Info("downloaded piece",
		"neighbor", neighborID, "piece", index, "pieces_downloaded", have)
}

func (l *PeerLogger) Complete(neighborID uint32) {
	l.log.Info("download complete", "neighbor", neighborID)
}

// AllPeersComplete logs the terminal event where every live neighbor's
// bitfield, as well as this peer's own, reports the full file.
func (l *PeerLogger) AllPeersComplete() {
	l.log.Info("all peers complete")
}

// PreferredChange logs the scheduler's periodic preferred-neighbor
// recalculation.
func (l *PeerLogger) PreferredChange(ids []uint32) {
	l.log.Info("preferred neighbors changed", "neighbors", ids)
}

// OptimisticChange logs the scheduler's optimistic-unchoke pick.
func (l *PeerLogger) OptimisticChange(id uint32) {
	l.log.Info("optimistically unchoked neighbor changed", "neighbor", id)
}

// Throughput logs the swarm-wide aggregate transfer rates once a second.
// Debug level: useful for diagnosing a stalled swarm, too noisy for the
// default event log.
func (l *PeerLogger) Throughput(m swarm.Metrics) {
	l.log.Debug("swarm throughput",
		"peers", m.TotalPeers,
		"unchoked", m.UnchokedPeers,
		"interested", m.InterestedPeers,
		"downloaded", m.TotalDownloaded,
		"uploaded", m.TotalUploaded,
		"download_rate", m.DownloadRate,
		"upload_rate", m.UploadRate,
	)
}
