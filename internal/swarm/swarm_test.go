package swarm

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prxssh/swarmshare/internal/peerlink"
	"github.com/prxssh/swarmshare/internal/protocol"
	"github.com/prxssh/swarmshare/internal/registry"
	"github.com/prxssh/swarmshare/internal/storage"
)

const testPieceSize = 8

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestDeps(t *testing.T, numPieces int) *peerlink.Deps {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, "file.dat", int64(numPieces*testPieceSize), testPieceSize)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &peerlink.Deps{
		Registry:    registry.New(numPieces, false),
		Storage:     st,
		NumPieces:   numPieces,
		MaxFrameLen: 4096,
		ReadTimeout: 5 * time.Second,
		SelfID:      9000,
	}
}

// fakeNeighbor drives the far end of a net.Pipe by hand: it completes the
// handshake and drains the PeerLink's unconditional initial bitfield, so
// the caller can then write whatever raw control frames the test needs.
func fakeNeighbor(t *testing.T, conn net.Conn, fakeID uint32, maxFrameLen uint32) {
	t.Helper()

	if _, err := protocol.ReadHandshake(conn); err != nil {
		t.Errorf("fakeNeighbor %d: read handshake: %v", fakeID, err)
		return
	}
	if err := protocol.WriteHandshake(conn, protocol.NewHandshake(fakeID)); err != nil {
		t.Errorf("fakeNeighbor %d: write handshake: %v", fakeID, err)
		return
	}
	if _, err := protocol.ReadMessage(conn, maxFrameLen); err != nil {
		t.Errorf("fakeNeighbor %d: drain initial bitfield: %v", fakeID, err)
		return
	}
}

func sendRaw(t *testing.T, conn net.Conn, m *protocol.Message) {
	t.Helper()
	if err := protocol.WriteMessage(conn, m); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
}

// connectFakeLink accepts a PeerLink over one end of a net.Pipe whose
// other end completes the handshake and drains the initial bitfield, then
// starts the link's receive loop and returns it.
func connectFakeLink(t *testing.T, deps *peerlink.Deps, fakeID uint32) *peerlink.PeerLink {
	t.Helper()
	local, remote := net.Pipe()

	done := make(chan struct{})
	go func() {
		fakeNeighbor(t, remote, fakeID, deps.MaxFrameLen)
		close(done)
	}()

	link, err := peerlink.Accept(local, deps)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	<-done

	go link.Run()
	t.Cleanup(func() { link.Close() })
	return link
}

func TestLinkSetInsertRemoveSnapshot(t *testing.T) {
	deps := newTestDeps(t, 4)
	a := connectFakeLink(t, deps, 1)
	b := connectFakeLink(t, deps, 2)

	ls := NewLinkSet()
	ls.Insert(a)
	ls.Insert(b)

	if ls.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", ls.Len())
	}

	ls.Remove(a)
	snap := ls.Snapshot()
	if len(snap) != 1 || snap[0].RemotePeerID() != b.RemotePeerID() {
		t.Fatalf("Snapshot() after remove = %+v; want only b", snap)
	}
}

func TestAggregateSumsAcrossLinks(t *testing.T) {
	deps := newTestDeps(t, 4)
	links := NewLinkSet()

	a := connectFakeLink(t, deps, 201)
	links.Insert(a)

	m := links.Aggregate()
	if m.TotalPeers != 1 {
		t.Fatalf("TotalPeers = %d; want 1", m.TotalPeers)
	}
}

// TestRecalculatePreferredRateFairness pins rate fairness: given two
// interested candidates where one has delivered more bytes this interval,
// it is selected over the other when k=1.
func TestRecalculatePreferredRateFairness(t *testing.T) {
	deps := newTestDeps(t, 4)

	localHigh, remoteHigh := net.Pipe()
	localLow, remoteLow := net.Pipe()

	readyHigh := make(chan struct{})
	readyLow := make(chan struct{})
	go func() {
		fakeNeighbor(t, remoteHigh, 101, deps.MaxFrameLen)
		sendRaw(t, remoteHigh, protocol.MessageInterested())
		sendRaw(t, remoteHigh, protocol.MessagePiece(0, make([]byte, testPieceSize)))
		close(readyHigh)
		// Keep reading so the scheduler's choke/unchoke frames do not
		// block on the unbuffered pipe.
		io.Copy(io.Discard, remoteHigh)
	}()
	go func() {
		fakeNeighbor(t, remoteLow, 102, deps.MaxFrameLen)
		sendRaw(t, remoteLow, protocol.MessageInterested())
		close(readyLow)
		io.Copy(io.Discard, remoteLow)
	}()

	linkHigh, err := peerlink.Accept(localHigh, deps)
	if err != nil {
		t.Fatalf("Accept linkHigh: %v", err)
	}
	go linkHigh.Run()
	t.Cleanup(func() { linkHigh.Close() })

	linkLow, err := peerlink.Accept(localLow, deps)
	if err != nil {
		t.Fatalf("Accept linkLow: %v", err)
	}
	go linkLow.Run()
	t.Cleanup(func() { linkLow.Close() })

	// Run() must already be draining frames before the fake neighbors'
	// unbuffered writes below (net.Pipe has no internal buffering).
	<-readyHigh
	<-readyLow

	// Wait for both receive loops to have processed the queued frames,
	// without consuming the byte counter the scheduler needs below.
	deadline := time.Now().Add(2 * time.Second)
	for !(linkHigh.NeighborInterestedInMe() && linkLow.NeighborInterestedInMe() && linkHigh.Stats().Downloaded == testPieceSize) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for fake neighbors' frames to land")
		}
		time.Sleep(5 * time.Millisecond)
	}

	links := NewLinkSet()
	links.Insert(linkHigh)
	links.Insert(linkLow)

	sched := NewScheduler(links, deps.Registry, discardLogger(), Config{
		NumberOfPreferredNeighbors: 1,
	})
	sched.recalculatePreferred()

	sched.mu.Lock()
	_, highPreferred := sched.preferred[linkHigh.RemotePeerID()]
	_, lowPreferred := sched.preferred[linkLow.RemotePeerID()]
	sched.mu.Unlock()

	if !highPreferred {
		t.Error("link with more delivered bytes should be preferred")
	}
	if lowPreferred {
		t.Error("link with fewer delivered bytes should not be preferred when k=1")
	}
}
