package rules

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// Source produces a fresh ruleset. *Loader implements it.
type Source interface {
	Load(ctx context.Context) (*domain.Ruleset, error)
}

// ReloadResult summarizes a successful reload.
type ReloadResult struct {
	Version  string   `json:"version"`
	Previous string   `json:"previous_version,omitempty"`
	Sources  []string `json:"sources"`
	Rules    int      `json:"rules"`
	Warnings []string `json:"warnings,omitempty"`
}

// Store holds the active ruleset. Readers never observe a partially
// loaded ruleset: a reload builds a complete value and swaps the pointer.
type Store struct {
	source  Source
	current atomic.Pointer[domain.Ruleset]

	// loadMu serializes loads so concurrent first reads load once.
	loadMu sync.Mutex
}

// NewStore creates a store. Nothing is loaded until Current or Reload.
func NewStore(source Source) *Store {
	return &Store{source: source}
}

// Current returns the active ruleset, loading it on first use.
func (s *Store) Current(ctx context.Context) (*domain.Ruleset, error) {
	if rs := s.current.Load(); rs != nil {
		return rs, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if rs := s.current.Load(); rs != nil {
		return rs, nil
	}
	rs, err := s.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.current.Store(rs)
	slog.Info("ruleset loaded", "version", rs.Version, "rules", len(rs.Rules), "sources", len(rs.Sources))
	return rs, nil
}

// Loaded returns the active ruleset without triggering a load.
func (s *Store) Loaded() *domain.Ruleset {
	return s.current.Load()
}

// Reload loads the sources again and swaps in the result. On failure the
// previously active ruleset stays in place and the error is returned.
func (s *Store) Reload(ctx context.Context) (*ReloadResult, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	rs, err := s.source.Load(ctx)
	if err != nil {
		prev := ""
		if old := s.current.Load(); old != nil {
			prev = old.Version
		}
		slog.Error("ruleset reload failed, keeping previous ruleset", "active_version", prev, "error", err)
		return nil, err
	}

	old := s.current.Swap(rs)
	res := &ReloadResult{
		Version:  rs.Version,
		Sources:  rs.Sources,
		Rules:    len(rs.Rules),
		Warnings: rs.Warnings,
	}
	if old != nil {
		res.Previous = old.Version
	}
	slog.Info("ruleset reloaded", "version", rs.Version, "previous_version", res.Previous, "rules", res.Rules)
	return res, nil
}
