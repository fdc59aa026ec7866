// Package cast converts the stringly-typed tokens produced by the config
// scanner into the typed fields the rest of the system expects.
package cast

import (
	"fmt"
	"strconv"
	"strings"
)

// ToInt parses a base-10 integer.
func ToInt(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("cast: %q is not an int: %w", v, err)
	}
	return n, nil
}

// ToInt64 parses a base-10 64-bit integer, used for file sizes.
func ToInt64(v string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cast: %q is not an int64: %w", v, err)
	}
	return n, nil
}

// ToUint32 parses a base-10 unsigned 32-bit integer, used for peer ids.
func ToUint32(v string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("cast: %q is not a uint32: %w", v, err)
	}
	return uint32(n), nil
}

// ToBool parses the peer table's "hasFile" column: 0 or 1.
func ToBool(v string) (bool, error) {
	switch strings.TrimSpace(v) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("cast: %q is not 0/1", v)
	}
}
