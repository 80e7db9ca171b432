package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dpledger/internal/core"
)

// Store holds the current policy and persists every update as a new
// immutable version.
type Store struct {
	repo    core.PolicyRepository
	log     *slog.Logger
	current atomic.Pointer[core.Policy]
	writeMu sync.Mutex
}

// NewStore loads the latest stored version. On first start the default
// policy is stored as version 1.
func NewStore(ctx context.Context, repo core.PolicyRepository, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{repo: repo, log: log.With("component", "policy")}

	p, err := repo.Latest(ctx)
	var notFound *core.NotFoundError
	switch {
	case errors.As(err, &notFound):
		def := core.DefaultPolicy().Normalize()
		def.Version = 1
		def.UpdatedAt = time.Now().UTC()
		def.UpdatedBy = "system"
		if err := repo.Insert(ctx, &def); err != nil {
			return nil, err
		}
		p = &def
	case err != nil:
		return nil, err
	}
	s.current.Store(p)
	s.log.Info("policy loaded", "version", p.Version)
	return s, nil
}

// Current returns the policy in effect. Callers must not modify its slices.
func (s *Store) Current() core.Policy {
	return *s.current.Load()
}

// Update stores p as the next version if expectedVersion is still current.
func (s *Store) Update(ctx context.Context, p core.Policy, expectedVersion int64, updatedBy string) (core.Policy, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Current()
	if expectedVersion != cur.Version {
		return core.Policy{}, core.ErrConflict("policy version is %d, not %d", cur.Version, expectedVersion)
	}
	return s.store(ctx, cur, p, updatedBy)
}

// Apply stores p as the next version unless its rules equal the current
// ones. It reports whether a new version was written.
func (s *Store) Apply(ctx context.Context, p core.Policy, updatedBy string) (core.Policy, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Current()
	if cur.SameRules(p) {
		return cur, false, nil
	}
	next, err := s.store(ctx, cur, p, updatedBy)
	if err != nil {
		return core.Policy{}, false, err
	}
	return next, true, nil
}

func (s *Store) store(ctx context.Context, cur, p core.Policy, updatedBy string) (core.Policy, error) {
	next := p.Normalize()
	if err := next.Validate(); err != nil {
		return core.Policy{}, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = updatedBy
	if err := s.repo.Insert(ctx, &next); err != nil {
		return core.Policy{}, err
	}
	s.current.Store(&next)
	s.log.Info("policy updated", "old_version", cur.Version, "new_version", next.Version, "updated_by", updatedBy)
	return next, nil
}
