// Package registry wraps the local piece bitfield behind a single mutex,
// exposing the mark/test/snapshot/select operations every other component
// needs without letting them touch the bitfield directly.
package registry

import (
	"sync"

	"github.com/prxssh/swarmshare/pkg/bitfield"
)

// PieceRegistry owns the bitfield tracking which pieces this peer holds.
type PieceRegistry struct {
	mu        sync.Mutex
	bits      bitfield.Bitfield
	numPieces int
}

// New creates a registry for numPieces pieces. If hasFile is true the
// registry starts fully populated (this peer already owns the complete
// file per the peer table); otherwise it starts empty.
func New(numPieces int, hasFile bool) *PieceRegistry {
	bits := bitfield.New(numPieces)
	if hasFile {
		for i := 0; i < numPieces; i++ {
			bits.Set(i)
		}
	}
	return &PieceRegistry{bits: bits, numPieces: numPieces}
}

// MarkHave sets bit i. Idempotent.
func (r *PieceRegistry) MarkHave(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bits.Set(i)
}

// Have reports whether this peer owns piece i.
func (r *PieceRegistry) Have(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits.Has(i)
}

// Snapshot returns an independent copy of the local bitfield, safe to ship
// on the wire or inspect without holding the registry's lock.
func (r *PieceRegistry) Snapshot() bitfield.Bitfield {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bits.Clone()
}

// NextNeededFrom returns the lowest-indexed piece that neighborBits has set
// and the local registry does not, scanning index order (baseline is
// lowest-index-first; no rarest-first weighting).
func (r *PieceRegistry) NextNeededFrom(neighborBits bitfield.Bitfield) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.numPieces; i++ {
		if neighborBits.Has(i) && !r.bits.Has(i) {
			return i, true
		}
	}
	return 0, false
}

// IsComplete reports whether every piece is owned.
func (r *PieceRegistry) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pieceCount(r.bits, r.numPieces) == r.numPieces
}

// BitfieldIsComplete is the predicate the completion watcher uses to test
// a foreign bitfield (e.g. to decide when every peer in the swarm has
// finished) against the configured piece count, without holding the
// registry's own lock.
func BitfieldIsComplete(bits bitfield.Bitfield, numPieces int) bool {
	return pieceCount(bits, numPieces) == numPieces
}

func pieceCount(bits bitfield.Bitfield, numPieces int) int {
	n := 0
	for i := 0; i < numPieces; i++ {
		if bits.Has(i) {
			n++
		}
	}
	return n
}
