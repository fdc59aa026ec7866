package registry

import (
	"testing"

	"github.com/prxssh/swarmshare/pkg/bitfield"
)

func TestNewEmptyAndFull(t *testing.T) {
	empty := New(10, false)
	if empty.IsComplete() {
		t.Fatal("empty registry reports complete")
	}
	full := New(10, true)
	if !full.IsComplete() {
		t.Fatal("full registry reports incomplete")
	}
}

func TestMarkHaveIdempotentAndComplete(t *testing.T) {
	r := New(3, false)
	r.MarkHave(0)
	r.MarkHave(0)
	r.MarkHave(1)
	if r.IsComplete() {
		t.Fatal("should not be complete yet")
	}
	r.MarkHave(2)
	if !r.IsComplete() {
		t.Fatal("should be complete after marking all pieces")
	}
	if !r.Have(0) || !r.Have(1) || !r.Have(2) {
		t.Fatal("Have() mismatch after marking all bits")
	}
}

// TestIsCompleteNonByteAlignedCount pins the case where numPieces isn't a
// multiple of 8: the registry must compare against numPieces, not the
// padded bitfield length.
func TestIsCompleteNonByteAlignedCount(t *testing.T) {
	r := New(5, false)
	for i := 0; i < 5; i++ {
		r.MarkHave(i)
	}
	if !r.IsComplete() {
		t.Fatal("registry with 5 pieces (non-byte-aligned) should report complete once all 5 are marked")
	}
}

func TestNextNeededFromLowestIndexFirst(t *testing.T) {
	r := New(8, false)
	r.MarkHave(0)
	r.MarkHave(2)

	neighbor := bitfield.New(8)
	neighbor.Set(1)
	neighbor.Set(2)
	neighbor.Set(5)

	idx, ok := r.NextNeededFrom(neighbor)
	if !ok || idx != 1 {
		t.Fatalf("NextNeededFrom() = %d,%v; want 1,true", idx, ok)
	}
}

func TestNextNeededFromNone(t *testing.T) {
	r := New(4, true)
	neighbor := bitfield.New(4)
	neighbor.Set(0)
	neighbor.Set(1)

	if _, ok := r.NextNeededFrom(neighbor); ok {
		t.Fatal("expected no needed piece when local registry already has everything the neighbor offers")
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := New(8, false)
	r.MarkHave(0)

	snap := r.Snapshot()
	r.MarkHave(1)

	if snap.Has(1) {
		t.Fatal("mutating the registry after Snapshot must not affect the snapshot")
	}
}

func TestBitfieldIsComplete(t *testing.T) {
	bits := bitfield.New(5)
	for i := 0; i < 5; i++ {
		bits.Set(i)
	}
	if !BitfieldIsComplete(bits, 5) {
		t.Fatal("want complete")
	}
	bits.Clear(3)
	if BitfieldIsComplete(bits, 5) {
		t.Fatal("want incomplete")
	}
}
