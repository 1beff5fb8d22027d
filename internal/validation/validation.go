// Package validation holds the small input-validation helpers used when
// a replication-core config or request value must be checked before use,
// rather than left to fail deep inside a component.
//
// Grounded on the teacher's own internal/validation package, trimmed to
// the checks the replication core's config and REST layer actually need.
package validation

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAddr = errors.New("invalid listen address")
	ErrEmptyString = errors.New("value must not be empty")
	ErrOutOfRange  = errors.New("value out of range")
)

// ValidateAddr checks that addr parses as a TCP host:port.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateStringNonEmpty rejects the empty string.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateRangeInt checks that v falls within [min, max] inclusive,
// e.g. spec.md §4.1's 0..3 replication-priority range.
func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateRangeFloat checks that v falls within [min, max] inclusive,
// e.g. RAREST_FIRST_THRESHOLD's 0..1 range.
func ValidateRangeFloat(v, min, max float64) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %v not in [%v,%v]", ErrOutOfRange, v, min, max)
	}
	return nil
}
