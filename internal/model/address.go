// Package model holds the data types shared across the core: device and
// vehicle records, canonical battery readings, and runtime status snapshots.
// See spec §3 for field semantics and invariants.
package model

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when a hardware address does not match the
// canonical six-hex-octet, colon-separated, uppercase form.
var ErrInvalidAddress = errors.New("model: invalid device address")

var addressPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// NormalizeAddress upper-cases and validates a hardware address string.
// Identity is immutable once a device is registered, so callers normalize
// once at the boundary (discovery, registry insertion) rather than on every
// use.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.ToUpper(strings.TrimSpace(raw))
	if !addressPattern.MatchString(addr) {
		return "", ErrInvalidAddress
	}
	return addr, nil
}
