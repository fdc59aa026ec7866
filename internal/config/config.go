// Package config loads the two plain-text configuration files that govern a
// peer's run: the common tunables and the ordered peer table.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prxssh/swarmshare/pkg/cast"
)

// Common holds the whitespace key-value tunables shared by every peer in
// the swarm.
type Common struct {
	NumberOfPreferredNeighbors  int
	UnchokingInterval           int
	OptimisticUnchokingInterval int
	FileName                    string
	FileSize                    int64
	PieceSize                   int

	// NumPieces is derived, not parsed: ceil(FileSize / PieceSize).
	NumPieces int
}

// PeerEntry is one row of the peer table.
type PeerEntry struct {
	ID      string
	Host    string
	Port    int
	HasFile bool
}

// LoadCommon parses the common configuration file: whitespace-separated
// "key value" lines, "#" or "//" comments, unknown keys ignored.
func LoadCommon(path string) (*Common, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open common config: %w", err)
	}
	defer f.Close()

	c := &Common{}
	if err := scanKeyValues(f, func(key, val string) error {
		switch key {
		case "NumberOfPreferredNeighbors":
			n, err := cast.ToInt(val)
			if err != nil {
				return err
			}
			c.NumberOfPreferredNeighbors = n
		case "UnchokingInterval":
			n, err := cast.ToInt(val)
			if err != nil {
				return err
			}
			c.UnchokingInterval = n
		case "OptimisticUnchokingInterval":
			n, err := cast.ToInt(val)
			if err != nil {
				return err
			}
			c.OptimisticUnchokingInterval = n
		case "FileName":
			c.FileName = val
		case "FileSize":
			n, err := cast.ToInt64(val)
			if err != nil {
				return err
			}
			c.FileSize = n
		case "PieceSize":
			n, err := cast.ToInt(val)
			if err != nil {
				return err
			}
			c.PieceSize = n
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("config: parse common config: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	c.NumPieces = int((c.FileSize + int64(c.PieceSize) - 1) / int64(c.PieceSize))
	return c, nil
}

func (c *Common) validate() error {
	switch {
	case c.NumberOfPreferredNeighbors <= 0:
		return fmt.Errorf("config: NumberOfPreferredNeighbors must be positive")
	case c.UnchokingInterval <= 0:
		return fmt.Errorf("config: UnchokingInterval must be positive")
	case c.OptimisticUnchokingInterval <= 0:
		return fmt.Errorf("config: OptimisticUnchokingInterval must be positive")
	case c.FileName == "":
		return fmt.Errorf("config: FileName is required")
	case c.FileSize <= 0:
		return fmt.Errorf("config: FileSize must be positive")
	case c.PieceSize <= 0:
		return fmt.Errorf("config: PieceSize must be positive")
	}
	return nil
}

// LoadPeerTable parses the ordered peer table: "id host port hasFile" lines.
// Order defines the outbound-dial rule: each peer dials every entry that
// appears before its own row.
func LoadPeerTable(path string) ([]PeerEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open peer table: %w", err)
	}
	defer f.Close()

	var entries []PeerEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("config: peer table line %q: want 4 fields, got %d", line, len(fields))
		}

		port, err := cast.ToInt(fields[2])
		if err != nil {
			return nil, fmt.Errorf("config: peer table: %w", err)
		}
		hasFile, err := cast.ToBool(fields[3])
		if err != nil {
			return nil, fmt.Errorf("config: peer table: %w", err)
		}

		entries = append(entries, PeerEntry{
			ID:      fields[0],
			Host:    fields[1],
			Port:    port,
			HasFile: hasFile,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan peer table: %w", err)
	}

	return entries, nil
}

// PeersBefore returns every entry appearing strictly before the row whose
// ID matches selfID: the set this peer must dial outbound.
func PeersBefore(entries []PeerEntry, selfID string) []PeerEntry {
	var out []PeerEntry
	for _, e := range entries {
		if e.ID == selfID {
			break
		}
		out = append(out, e)
	}
	return out
}

// Self looks up the table row for selfID.
func Self(entries []PeerEntry, selfID string) (PeerEntry, bool) {
	for _, e := range entries {
		if e.ID == selfID {
			return e, true
		}
	}
	return PeerEntry{}, false
}

func scanKeyValues(r io.Reader, fn func(key, val string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			continue
		}
		if err := fn(fields[0], fields[1]); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return line
}
