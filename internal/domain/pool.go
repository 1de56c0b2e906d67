package domain

import (
	"fmt"
	"strings"
)

// SizeClass is the instance tier of a pool.
type SizeClass string

const (
	SizeNormal SizeClass = "normal"
	SizeLarge  SizeClass = "large"
)

// PoolKey identifies one pool: a provider combined with a size class.
type PoolKey struct {
	Provider string
	Size     SizeClass
}

// Large reports whether the key addresses the large tier.
func (k PoolKey) Large() bool {
	return k.Size == SizeLarge
}

// String returns the pool name used for store namespacing and provider tags.
func (k PoolKey) String() string {
	if k.Large() {
		return k.Provider + "Large"
	}
	return k.Provider
}

// ParsePoolKey is the inverse of PoolKey.String.
func ParsePoolKey(name string) (PoolKey, error) {
	if name == "" {
		return PoolKey{}, fmt.Errorf("%w: empty pool name", ErrPoolNotFound)
	}
	if base, ok := strings.CutSuffix(name, "Large"); ok && base != "" {
		return PoolKey{Provider: base, Size: SizeLarge}, nil
	}
	return PoolKey{Provider: name, Size: SizeNormal}, nil
}

// SizingMode selects how a pool computes its target supply.
type SizingMode string

const (
	ModeBuffer SizingMode = "buffer" // keep N idle instances ready
	ModeFixed  SizingMode = "fixed"  // keep N instances in total
)

// PoolStats holds a snapshot of one pool.
type PoolStats struct {
	Pool      string `json:"pool"`
	Available int    `json:"available"` // Ready for immediate assignment
	Staging   int    `json:"staging"`   // Booting, awaiting readiness
	Locked    int    `json:"locked"`    // Assigned and held by a session
	Buffer    int    `json:"buffer"`
	Fixed     int    `json:"fixed"`
}

// Mode returns fixed when a fleet size is configured, buffer otherwise.
func (s *PoolStats) Mode() SizingMode {
	if s.Fixed > 0 {
		return ModeFixed
	}
	return ModeBuffer
}

// Supply returns the idle supply: available plus staging.
func (s *PoolStats) Supply() int {
	return s.Available + s.Staging
}

// Target returns the configured target for the active mode.
func (s *PoolStats) Target() int {
	if s.Mode() == ModeFixed {
		return s.Fixed
	}
	return s.Buffer
}
