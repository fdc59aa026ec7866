// Package storage implements indexed piece read/write against a single
// file on disk. Every index maps to a fixed offset; there is no hashing and
// no multi-file mapping, since the swarm shares exactly one file.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prxssh/swarmshare/pkg/pieceutil"
)

// FileAdapter reads and writes pieces of a single sparse file.
type FileAdapter struct {
	f         *os.File
	fileSize  int64
	pieceSize int32
}

// Open creates (if missing) or reopens the backing file at dir/name, sized
// to fileSize, truncating it to that size as a sparse file.
func Open(dir, name string, fileSize int64, pieceSize int32) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", path, err)
	}

	return &FileAdapter{f: f, fileSize: fileSize, pieceSize: pieceSize}, nil
}

// ReadPiece reads the bytes of piece index (length min(pieceSize,
// fileSize-offset), short for the final piece).
func (a *FileAdapter) ReadPiece(index int) ([]byte, error) {
	start, end, err := pieceutil.OffsetBounds(index, a.fileSize, a.pieceSize)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, end-start)
	if _, err := a.f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("storage: read piece %d: %w", index, err)
	}
	return buf, nil
}

// WritePiece writes data at piece index's offset. data's length must match
// the piece's expected length.
func (a *FileAdapter) WritePiece(index int, data []byte) error {
	start, end, err := pieceutil.OffsetBounds(index, a.fileSize, a.pieceSize)
	if err != nil {
		return err
	}
	if int64(len(data)) != end-start {
		return fmt.Errorf("storage: write piece %d: got %d bytes, want %d", index, len(data), end-start)
	}

	if _, err := a.f.WriteAt(data, start); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (a *FileAdapter) Close() error {
	return a.f.Close()
}
