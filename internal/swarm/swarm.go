// Package swarm holds the process-wide set of live PeerLinks and the two
// periodic scheduler tasks that decide which neighbors get served.
package swarm

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prxssh/swarmshare/internal/peerlink"
	"github.com/prxssh/swarmshare/internal/registry"
	"github.com/prxssh/swarmshare/pkg/syncmap"
)

// LinkSet is the process-wide collection of live PeerLinks. Insert on
// construction, remove on termination; the scheduler iterates snapshots.
type LinkSet struct {
	links *syncmap.Map[uint32, *peerlink.PeerLink]
}

func NewLinkSet() *LinkSet {
	return &LinkSet{links: syncmap.New[uint32, *peerlink.PeerLink]()}
}

func (s *LinkSet) Insert(pl *peerlink.PeerLink)   { s.links.Put(pl.RemotePeerID(), pl) }
func (s *LinkSet) Remove(pl *peerlink.PeerLink)   { s.links.Delete(pl.RemotePeerID()) }
func (s *LinkSet) Snapshot() []*peerlink.PeerLink { return s.links.Snapshot() }
func (s *LinkSet) Len() int                       { return s.links.Len() }

// BroadcastHave sends a have(index) frame to every live link.
func (s *LinkSet) BroadcastHave(index int) {
	for _, pl := range s.links.Snapshot() {
		pl.SendHave(index)
	}
}

// BroadcastNotInterested sends a not_interested frame to every live link.
func (s *LinkSet) BroadcastNotInterested() {
	for _, pl := range s.links.Snapshot() {
		pl.SendNotInterested()
	}
}

// Metrics is the swarm-wide aggregate of every live link's transfer
// stats, used for periodic throughput logging. It is observability only:
// the schedulers never read it.
type Metrics struct {
	TotalPeers      int
	UnchokedPeers   int
	InterestedPeers int
	TotalDownloaded uint64
	TotalUploaded   uint64
	DownloadRate    uint64
	UploadRate      uint64
}

// Aggregate sums per-link Stats snapshots across every live link.
func (s *LinkSet) Aggregate() Metrics {
	var m Metrics
	for _, pl := range s.links.Snapshot() {
		stat := pl.Stats()
		m.TotalPeers++
		if !stat.Choking {
			m.UnchokedPeers++
		}
		m.TotalDownloaded += stat.Downloaded
		m.TotalUploaded += stat.Uploaded
		m.DownloadRate += stat.DownloadRate
		m.UploadRate += stat.UploadRate
		if pl.NeighborInterestedInMe() {
			m.InterestedPeers++
		}
	}
	return m
}

// Scheduler drives the preferred-neighbor and optimistic-unchoke tasks.
type Scheduler struct {
	links    *LinkSet
	registry *registry.PieceRegistry
	log      *slog.Logger

	k int           // numberOfPreferredNeighbors
	p time.Duration // regular unchoke interval
	m time.Duration // optimistic unchoke interval

	mu         sync.Mutex
	preferred  map[uint32]struct{}
	optimistic *peerlink.PeerLink

	onPreferredChange  func(ids []uint32)
	onOptimisticChange func(id uint32)
	onThroughput       func(Metrics)
}

type Config struct {
	NumberOfPreferredNeighbors  int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
	OnPreferredChange           func(ids []uint32)
	OnOptimisticChange          func(id uint32)

	// OnThroughput, if set, is invoked once a second with the swarm-wide
	// aggregate of every live link's transfer stats. Logging only; the
	// schedulers never consume it.
	OnThroughput func(Metrics)
}

func NewScheduler(links *LinkSet, reg *registry.PieceRegistry, log *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		links:              links,
		registry:           reg,
		log:                log,
		k:                  cfg.NumberOfPreferredNeighbors,
		p:                  cfg.UnchokingInterval,
		m:                  cfg.OptimisticUnchokingInterval,
		preferred:          make(map[uint32]struct{}),
		onPreferredChange:  cfg.OnPreferredChange,
		onOptimisticChange: cfg.OnOptimisticChange,
		onThroughput:       cfg.OnThroughput,
	}
}

// Run blocks, driving both periodic tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	regular := time.NewTicker(s.p)
	defer regular.Stop()
	optimistic := time.NewTicker(s.m)
	defer optimistic.Stop()

	var throughput *time.Ticker
	var throughputC <-chan time.Time
	if s.onThroughput != nil {
		throughput = time.NewTicker(time.Second)
		defer throughput.Stop()
		throughputC = throughput.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-regular.C:
			s.recalculatePreferred()
		case <-optimistic.C:
			s.recalculateOptimistic()
		case <-throughputC:
			s.onThroughput(s.links.Aggregate())
		}
	}
}

// recalculatePreferred implements the preferred-neighbor task: drain every
// link's counter, partition by neighborInterestedInMe, rank, and apply.
func (s *Scheduler) recalculatePreferred() {
	type candidate struct {
		link  *peerlink.PeerLink
		bytes uint64
	}

	links := s.links.Snapshot()
	var candidates []candidate

	for _, link := range links {
		bytes := link.DrainBytesThisInterval()
		// Candidates are links where the neighbor is interested in us,
		// not whether we are interested in them. This peer decides
		// upload allocation based on who wants to download from it.
		if link.NeighborInterestedInMe() {
			candidates = append(candidates, candidate{link, bytes})
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if s.registry.IsComplete() {
		// Seeding: no download rate signal available, so pick uniformly.
		// The shuffle above already randomized order.
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].bytes > candidates[j].bytes
		})
	}

	k := s.k
	if k > len(candidates) {
		k = len(candidates)
	}

	next := make(map[uint32]struct{}, k)
	ids := make([]uint32, 0, k)
	for i := 0; i < k; i++ {
		id := candidates[i].link.RemotePeerID()
		next[id] = struct{}{}
		ids = append(ids, id)
	}

	s.mu.Lock()
	s.preferred = next
	optimistic := s.optimistic
	s.mu.Unlock()

	if s.onPreferredChange != nil {
		s.onPreferredChange(ids)
	}

	for _, link := range links {
		_, isPreferred := next[link.RemotePeerID()]
		isOptimistic := optimistic != nil && optimistic.RemotePeerID() == link.RemotePeerID()
		link.SetChoked(!(isPreferred || isOptimistic))
	}
}

// recalculateOptimistic implements the optimistic-unchoke task.
func (s *Scheduler) recalculateOptimistic() {
	var candidates []*peerlink.PeerLink
	for _, link := range s.links.Snapshot() {
		if link.NeighborInterestedInMe() && link.IChokeNeighbor() {
			candidates = append(candidates, link)
		}
	}

	s.mu.Lock()
	prev := s.optimistic
	preferred := s.preferred
	s.mu.Unlock()

	if len(candidates) == 0 {
		s.mu.Lock()
		s.optimistic = nil
		s.mu.Unlock()
		return
	}

	next := candidates[rand.Intn(len(candidates))]

	s.mu.Lock()
	s.optimistic = next
	s.mu.Unlock()

	next.SetChoked(false)
	if s.onOptimisticChange != nil {
		s.onOptimisticChange(next.RemotePeerID())
	}

	if prev != nil && prev.RemotePeerID() != next.RemotePeerID() {
		if _, stillPreferred := preferred[prev.RemotePeerID()]; !stillPreferred {
			prev.SetChoked(true)
		}
	}
}
