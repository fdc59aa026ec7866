// Package pieceutil computes piece counts and byte ranges for a
// fixed-size-piece file split. There is no block/sub-piece granularity here;
// a "piece" is the smallest unit of transfer.
package pieceutil

import "fmt"

// Count returns ceil(size/pieceLen), the number of pieces needed to cover
// size bytes of pieceLen each.
func Count(size int64, pieceLen int32) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen))
}

// LastLength returns the exact byte length of the final piece, which may be
// shorter than pieceLen.
func LastLength(size int64, pieceLen int32) int32 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}

	rem := size % int64(pieceLen)
	if rem == 0 {
		return pieceLen
	}
	return int32(rem)
}

// LengthAt returns the length in bytes of piece index.
func LengthAt(index int, size int64, pieceLen int32) (int32, error) {
	n := Count(size, pieceLen)
	if index < 0 || index >= n {
		return 0, fmt.Errorf("pieceutil: index %d out of range (count=%d)", index, n)
	}

	if index == n-1 {
		return LastLength(size, pieceLen), nil
	}
	return pieceLen, nil
}

// OffsetBounds returns the [start,end) byte range of piece index within the
// concatenated file stream.
func OffsetBounds(index int, size int64, pieceLen int32) (start, end int64, err error) {
	pl, err := LengthAt(index, size, pieceLen)
	if err != nil {
		return 0, 0, err
	}

	start = int64(index) * int64(pieceLen)
	end = start + int64(pl)
	return start, end, nil
}
