// Package peerlink implements one PeerLink per TCP connection: the
// handshake exchange, the blocking receive loop, and the per-link choke
// and interest state machine.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/swarmshare/internal/protocol"
	"github.com/prxssh/swarmshare/internal/registry"
	"github.com/prxssh/swarmshare/internal/storage"
	"github.com/prxssh/swarmshare/pkg/bitfield"
)

type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

const (
	maskAmChokedByNeighbor = 1 << iota
	maskIChokeNeighbor
	maskNeighborInterestedInMe
	maskAwaitingPiece
)

// EventLogger receives the structured activity events recorded to the
// per-peer log file. Every method is best-effort; peerlink never blocks or
// fails a link over a logging error.
type EventLogger interface {
	Connected(peerID uint32, direction Direction)
	ChokedBy(peerID uint32)
	UnchokedBy(peerID uint32)
	ChokingNeighbor(peerID uint32)
	UnchokingNeighbor(peerID uint32)
	ReceivedHave(peerID uint32, index int)
	ReceivedInterested(peerID uint32)
	ReceivedNotInterested(peerID uint32)
	DownloadedPiece(peerID uint32, index int, have int)
	Complete(peerID uint32)
}

// Deps bundles the shared services every PeerLink needs. The bootstrap
// layer builds one Deps per link, each pointing at the same process-wide
// registry, storage, and broadcast functions.
type Deps struct {
	Registry    *registry.PieceRegistry
	Storage     *storage.FileAdapter
	NumPieces   int
	MaxFrameLen uint32
	ReadTimeout time.Duration
	SelfID      uint32
	Log         *slog.Logger
	Events      EventLogger

	// BroadcastHave is invoked with the piece index whenever this link
	// completes a download, so every live PeerLink (this one included)
	// announces the new piece.
	BroadcastHave func(index int)

	// BroadcastNotInterested is invoked once the local file is complete,
	// so every live PeerLink (this one included) retracts its interest,
	// not just the link that delivered the final piece.
	BroadcastNotInterested func()

	// AllComplete is invoked once a successful piece write completes the
	// local file, to let the bootstrap layer check and log the swarm-wide
	// completion event.
	AllComplete func()
}

// PeerLink is one TCP connection's worth of protocol state machine.
type PeerLink struct {
	deps         *Deps
	conn         net.Conn
	remotePeerID uint32
	direction    Direction

	state atomic.Uint32

	bfMu     sync.Mutex
	neighbor bitfield.Bitfield

	bytesThisInterval atomic.Uint64
	stats             Stats

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

var (
	ErrBadHandshake = errors.New("peerlink: bad handshake")
)

// Dial opens an outbound TCP connection, exchanges handshakes, and returns
// a started PeerLink.
func Dial(addr string, deps *Deps) (*PeerLink, error) {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("peerlink: dial %s: %w", addr, err)
	}
	return newLink(conn, Outbound, deps)
}

// Accept wraps an already-accepted TCP connection into a started PeerLink.
func Accept(conn net.Conn, deps *Deps) (*PeerLink, error) {
	return newLink(conn, Inbound, deps)
}

func newLink(conn net.Conn, dir Direction, deps *Deps) (*PeerLink, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	local := protocol.NewHandshake(deps.SelfID)
	remote, err := protocol.Exchange(conn, local)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerlink: handshake: %w", err)
	}

	pl := &PeerLink{
		deps:         deps,
		conn:         conn,
		remotePeerID: remote.PeerID,
		direction:    dir,
		done:         make(chan struct{}),
	}
	pl.state.Store(maskAmChokedByNeighbor | maskIChokeNeighbor)
	pl.stats.ConnectedAt = time.Now()

	if deps.Events != nil {
		deps.Events.Connected(remote.PeerID, dir)
	}

	if err := pl.sendBitfield(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerlink: initial bitfield send: %w", err)
	}

	go pl.rateLoop()

	return pl, nil
}

// RemotePeerID returns the remote peer's numeric id, valid once the
// handshake has completed (i.e. immediately after Dial/Accept return).
func (pl *PeerLink) RemotePeerID() uint32 { return pl.remotePeerID }

func (pl *PeerLink) Direction() Direction { return pl.direction }

func (pl *PeerLink) AmChokedByNeighbor() bool     { return pl.getState(maskAmChokedByNeighbor) }
func (pl *PeerLink) IChokeNeighbor() bool         { return pl.getState(maskIChokeNeighbor) }
func (pl *PeerLink) NeighborInterestedInMe() bool { return pl.getState(maskNeighborInterestedInMe) }
func (pl *PeerLink) AwaitingPiece() bool          { return pl.getState(maskAwaitingPiece) }

// NeighborBitfield returns the last known bitfield reported by the
// neighbor (the initial bitfield message merged with every have since),
// or nil if none has arrived yet. Used by the completion watcher.
func (pl *PeerLink) NeighborBitfield() bitfield.Bitfield {
	pl.bfMu.Lock()
	defer pl.bfMu.Unlock()
	if pl.neighbor == nil {
		return nil
	}
	return pl.neighbor.Clone()
}

func (pl *PeerLink) getState(mask uint32) bool { return pl.state.Load()&mask != 0 }

func (pl *PeerLink) setState(mask uint32, on bool) {
	for {
		old := pl.state.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if pl.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// DrainBytesThisInterval reads and zeroes the per-interval download byte
// counter, for the scheduler's preferred-neighbor task.
func (pl *PeerLink) DrainBytesThisInterval() uint64 {
	return pl.bytesThisInterval.Swap(0)
}

// SetChoked implements the scheduler's setChoked(choke) operation: a
// no-op if the state is unchanged, otherwise flips IChokeNeighbor and
// sends the corresponding control frame. I/O errors are swallowed; the
// receive loop will observe and terminate on the underlying socket error.
func (pl *PeerLink) SetChoked(choke bool) {
	if pl.IChokeNeighbor() == choke {
		return
	}
	pl.setState(maskIChokeNeighbor, choke)

	if choke {
		_ = pl.send(protocol.MessageChoke())
		if pl.deps.Events != nil {
			pl.deps.Events.ChokingNeighbor(pl.remotePeerID)
		}
	} else {
		_ = pl.send(protocol.MessageUnchoke())
		if pl.deps.Events != nil {
			pl.deps.Events.UnchokingNeighbor(pl.remotePeerID)
		}
	}
}

// SendHave announces a newly-owned piece to this link. Used by the
// process-wide broadcast after a piece download completes.
func (pl *PeerLink) SendHave(index int) {
	_ = pl.send(protocol.MessageHave(uint32(index)))
}

// SendNotInterested announces that this peer no longer wants anything from
// this link. Used by the process-wide broadcast once the local file is
// complete, so every live link is retracted, not just the one that
// delivered the final piece.
func (pl *PeerLink) SendNotInterested() {
	_ = pl.send(protocol.MessageNotInterested())
}

// Close terminates the link's socket. Safe to call multiple times and
// from multiple goroutines.
func (pl *PeerLink) Close() error {
	var err error
	pl.closeOnce.Do(func() {
		pl.stats.DisconnectedAt.Store(time.Now())
		close(pl.done)
		err = pl.conn.Close()
	})
	return err
}

// Done is closed once the link has terminated.
func (pl *PeerLink) Done() <-chan struct{} { return pl.done }

// Run blocks in the receive loop until EOF, an I/O error, a decode error,
// or the connection is closed out from under it.
func (pl *PeerLink) Run() error {
	defer pl.Close()

	for {
		if tc, ok := pl.conn.(*net.TCPConn); ok {
			_ = tc.SetReadDeadline(time.Now().Add(pl.deps.ReadTimeout))
		}

		msg, err := protocol.ReadMessage(pl.conn, pl.deps.MaxFrameLen)
		if err != nil {
			pl.stats.Errors.Add(1)
			return err
		}
		pl.stats.MessagesReceived.Add(1)

		if err := pl.handle(msg); err != nil {
			pl.stats.Errors.Add(1)
			return err
		}
	}
}

func (pl *PeerLink) handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.Choke:
		pl.setState(maskAmChokedByNeighbor, true)
		pl.setState(maskAwaitingPiece, false)
		if pl.deps.Events != nil {
			pl.deps.Events.ChokedBy(pl.remotePeerID)
		}

	case protocol.Unchoke:
		pl.setState(maskAmChokedByNeighbor, false)
		if pl.deps.Events != nil {
			pl.deps.Events.UnchokedBy(pl.remotePeerID)
		}
		pl.maybeRequestNext()

	case protocol.Interested:
		pl.setState(maskNeighborInterestedInMe, true)
		if pl.deps.Events != nil {
			pl.deps.Events.ReceivedInterested(pl.remotePeerID)
		}

	case protocol.NotInterested:
		pl.setState(maskNeighborInterestedInMe, false)
		if pl.deps.Events != nil {
			pl.deps.Events.ReceivedNotInterested(pl.remotePeerID)
		}

	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("peerlink: malformed have from %d", pl.remotePeerID)
		}
		pl.onHave(int(idx))

	case protocol.Bitfield:
		pl.onBitfield(bitfield.FromBytes(msg.Payload))

	case protocol.Request:
		idx, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("peerlink: malformed request from %d", pl.remotePeerID)
		}
		pl.onRequest(int(idx))

	case protocol.Piece:
		idx, data, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("peerlink: malformed piece from %d", pl.remotePeerID)
		}
		return pl.onPiece(int(idx), data)

	default:
		return fmt.Errorf("peerlink: unhandled message type %v", msg.Type)
	}

	return nil
}

func (pl *PeerLink) onHave(idx int) {
	pl.bfMu.Lock()
	if pl.neighbor == nil {
		pl.neighbor = bitfield.New(pl.deps.NumPieces)
	}
	pl.neighbor.Set(idx)
	neighbor := pl.neighbor
	pl.bfMu.Unlock()

	if pl.deps.Events != nil {
		pl.deps.Events.ReceivedHave(pl.remotePeerID, idx)
	}

	if !pl.deps.Registry.Have(idx) {
		pl.sendInterestedIfNeeded(true)
		pl.maybeRequestNext()
		return
	}

	if _, needed := pl.deps.Registry.NextNeededFrom(neighbor); !needed {
		pl.sendInterestedIfNeeded(false)
	}
}

func (pl *PeerLink) onBitfield(bits bitfield.Bitfield) {
	pl.bfMu.Lock()
	pl.neighbor = bits
	pl.bfMu.Unlock()

	_, needed := pl.deps.Registry.NextNeededFrom(bits)
	pl.sendInterestedIfNeeded(needed)
	if needed {
		pl.maybeRequestNext()
	}
}

func (pl *PeerLink) onRequest(idx int) {
	pl.stats.RequestsReceived.Add(1)
	if pl.IChokeNeighbor() {
		return
	}

	data, err := pl.deps.Storage.ReadPiece(idx)
	if err != nil {
		if pl.deps.Log != nil {
			pl.deps.Log.Error("storage read failed", "piece", idx, "error", err)
		}
		return
	}

	if pl.send(protocol.MessagePiece(uint32(idx), data)) == nil {
		pl.stats.PiecesSent.Add(1)
		pl.stats.Uploaded.Add(uint64(len(data)))
	}
}

func (pl *PeerLink) onPiece(idx int, data []byte) error {
	if err := pl.deps.Storage.WritePiece(idx, data); err != nil {
		if pl.deps.Log != nil {
			pl.deps.Log.Error("storage write failed", "piece", idx, "error", err)
		}
		return nil
	}

	pl.deps.Registry.MarkHave(idx)
	pl.bytesThisInterval.Add(uint64(len(data)))
	pl.stats.PiecesReceived.Add(1)
	pl.stats.Downloaded.Add(uint64(len(data)))

	if pl.deps.BroadcastHave != nil {
		pl.deps.BroadcastHave(idx)
	}

	if pl.deps.Events != nil {
		have := 0
		for i := 0; i < pl.deps.NumPieces; i++ {
			if pl.deps.Registry.Have(i) {
				have++
			}
		}
		pl.deps.Events.DownloadedPiece(pl.remotePeerID, idx, have)
	}

	pl.setState(maskAwaitingPiece, false)

	if pl.deps.Registry.IsComplete() {
		if pl.deps.BroadcastNotInterested != nil {
			pl.deps.BroadcastNotInterested()
		} else {
			_ = pl.send(protocol.MessageNotInterested())
		}
		if pl.deps.Events != nil {
			pl.deps.Events.Complete(pl.remotePeerID)
		}
		if pl.deps.AllComplete != nil {
			pl.deps.AllComplete()
		}
	} else if !pl.AmChokedByNeighbor() {
		pl.maybeRequestNext()
	}

	return nil
}

// maybeRequestNext sends a request for the next needed piece if unchoked
// and not already awaiting one.
func (pl *PeerLink) maybeRequestNext() {
	if pl.AmChokedByNeighbor() || pl.AwaitingPiece() {
		return
	}

	pl.bfMu.Lock()
	neighbor := pl.neighbor
	pl.bfMu.Unlock()
	if neighbor == nil {
		return
	}

	idx, ok := pl.deps.Registry.NextNeededFrom(neighbor)
	if !ok {
		return
	}

	if pl.send(protocol.MessageRequest(uint32(idx))) == nil {
		pl.setState(maskAwaitingPiece, true)
		pl.stats.RequestsSent.Add(1)
	}
}

func (pl *PeerLink) sendInterestedIfNeeded(interested bool) {
	if interested {
		_ = pl.send(protocol.MessageInterested())
	} else {
		_ = pl.send(protocol.MessageNotInterested())
	}
}

func (pl *PeerLink) sendBitfield() error {
	snap := pl.deps.Registry.Snapshot()
	snap.ClearTrailing(pl.deps.NumPieces)
	return pl.send(protocol.MessageBitfield(snap.Bytes()))
}

// send serializes all outbound writes: the receive loop, the scheduler,
// and storage callbacks can all call this concurrently.
func (pl *PeerLink) send(m *protocol.Message) error {
	pl.writeMu.Lock()
	defer pl.writeMu.Unlock()

	if err := protocol.WriteMessage(pl.conn, m); err != nil {
		pl.stats.Errors.Add(1)
		return fmt.Errorf("peerlink: write to %d: %w", pl.remotePeerID, err)
	}
	pl.stats.MessagesSent.Add(1)
	return nil
}
