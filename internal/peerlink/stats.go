package peerlink

import (
	"sync/atomic"
	"time"
)

// Stats holds per-connection counters and rate estimates. All fields are
// atomic; the byte, message, request, piece, and error counters only ever
// increase for the lifetime of a link, while DownloadRate and UploadRate
// hold the latest smoothed estimate. This is observability only. The choke scheduler makes its decisions from
// DrainBytesThisInterval, not from these rates.
type Stats struct {
	Downloaded       atomic.Uint64
	Uploaded         atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	RequestsSent     atomic.Uint64
	RequestsReceived atomic.Uint64
	PiecesReceived   atomic.Uint64
	PiecesSent       atomic.Uint64
	Errors           atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt atomic.Value // time.Time
}

// Metrics is a point-in-time snapshot of a link's Stats, safe to log or
// hand to a caller without exposing the underlying atomics.
type Metrics struct {
	RemotePeerID     uint32
	Direction        Direction
	Downloaded       uint64
	Uploaded         uint64
	DownloadRate     uint64
	UploadRate       uint64
	MessagesReceived uint64
	MessagesSent     uint64
	RequestsSent     uint64
	RequestsReceived uint64
	PiecesReceived   uint64
	PiecesSent       uint64
	Errors           uint64
	ConnectedAt      time.Time
	ConnectedFor     time.Duration
	DisconnectedAt   time.Time
	Choked           bool
	Choking          bool
}

// Stats returns a snapshot of this link's transfer metrics.
func (pl *PeerLink) Stats() Metrics {
	var disconnectedAt time.Time
	if v, ok := pl.stats.DisconnectedAt.Load().(time.Time); ok {
		disconnectedAt = v
	}

	return Metrics{
		RemotePeerID:     pl.remotePeerID,
		Direction:        pl.direction,
		Downloaded:       pl.stats.Downloaded.Load(),
		Uploaded:         pl.stats.Uploaded.Load(),
		DownloadRate:     pl.stats.DownloadRate.Load(),
		UploadRate:       pl.stats.UploadRate.Load(),
		MessagesReceived: pl.stats.MessagesReceived.Load(),
		MessagesSent:     pl.stats.MessagesSent.Load(),
		RequestsSent:     pl.stats.RequestsSent.Load(),
		RequestsReceived: pl.stats.RequestsReceived.Load(),
		PiecesReceived:   pl.stats.PiecesReceived.Load(),
		PiecesSent:       pl.stats.PiecesSent.Load(),
		Errors:           pl.stats.Errors.Load(),
		ConnectedAt:      pl.stats.ConnectedAt,
		ConnectedFor:     time.Since(pl.stats.ConnectedAt),
		DisconnectedAt:   disconnectedAt,
		Choked:           pl.AmChokedByNeighbor(),
		Choking:          pl.IChokeNeighbor(),
	}
}

// rateLoop recomputes the EMA-smoothed upload/download rates once a
// second until the link terminates. alpha matches the teacher's
// smoothing constant.
func (pl *PeerLink) rateLoop() {
	const alpha = 0.2
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := pl.stats.Uploaded.Load()
	lastDown := pl.stats.Downloaded.Load()
	var upEMA, downEMA uint64
	inited := false

	for {
		select {
		case <-pl.done:
			return
		case <-t.C:
			curUp := pl.stats.Uploaded.Load()
			curDown := pl.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			pl.stats.UploadRate.Store(upEMA)
			pl.stats.DownloadRate.Store(downEMA)

			lastUp, lastDown = curUp, curDown
		}
	}
}
