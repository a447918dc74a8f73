// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockcfg

import "sync/atomic"

// Snapshot holds the currently active Config behind an atomic pointer, the
// copy-on-write handle spec.md §9 asks for in place of the single
// process-wide mutable sockscf global: a reload (internal/sockcfg's loader
// producing a new *Config) calls Store, and in-flight rule evaluations that
// already captured a *Config via Load keep running against it undisturbed.
// Mirrors the atomic.Value-behind-a-struct-field idiom the teacher's own
// ebpf/performance cache optimizer uses for its hot-swappable stats.
type Snapshot struct {
	v atomic.Pointer[Config]
}

// NewSnapshot builds a Snapshot already holding cfg.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(cfg)
	return s
}

// Load returns the currently active Config. Safe for concurrent use with
// Store from any goroutine.
func (s *Snapshot) Load() *Config {
	return s.v.Load()
}

// Store publishes cfg as the active Config, superseding whatever was
// previously loaded.
func (s *Snapshot) Store(cfg *Config) {
	s.v.Store(cfg)
}
