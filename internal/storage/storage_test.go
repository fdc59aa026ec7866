package storage

import (
	"bytes"
	"testing"
)

func TestFileAdapterWriteReadRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		pieceSize int32
	}{
		{name: "exact pieces", fileSize: 64, pieceSize: 16},
		{name: "short last piece", fileSize: 30, pieceSize: 16},
		{name: "single piece", fileSize: 5, pieceSize: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			a, err := Open(dir, "data.bin", tt.fileSize, tt.pieceSize)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer a.Close()

			numPieces := int((tt.fileSize + int64(tt.pieceSize) - 1) / int64(tt.pieceSize))
			for i := 0; i < numPieces; i++ {
				want, err := a.ReadPiece(i) // zeroed sparse content initially
				if err != nil {
					t.Fatalf("ReadPiece(%d) before write: %v", i, err)
				}

				data := make([]byte, len(want))
				for j := range data {
					data[j] = byte((i*31 + j) % 256)
				}

				if err := a.WritePiece(i, data); err != nil {
					t.Fatalf("WritePiece(%d): %v", i, err)
				}

				got, err := a.ReadPiece(i)
				if err != nil {
					t.Fatalf("ReadPiece(%d) after write: %v", i, err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("piece %d round-trip mismatch: got %v want %v", i, got, data)
				}
			}
		})
	}
}

func TestFileAdapterWritePieceWrongLength(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "data.bin", 20, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if err := a.WritePiece(0, make([]byte, 5)); err == nil {
		t.Fatal("expected error for wrong-length write")
	}
}

func TestFileAdapterIndexOutOfRange(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "data.bin", 20, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := a.ReadPiece(2); err == nil {
		t.Fatal("expected error for out-of-range piece index")
	}
}
