package policy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpledger/internal/core"
	"dpledger/internal/data"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *data.PolicyRepo, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.db")
	db, err := data.InitDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := data.NewPolicyRepo(db)
	s, err := NewStore(context.Background(), repo, quietLogger())
	require.NoError(t, err)
	return s, repo, path
}

func TestStore_SeedsDefault(t *testing.T) {
	s, repo, _ := newTestStore(t)

	cur := s.Current()
	assert.Equal(t, int64(1), cur.Version)
	assert.Equal(t, 5.0, cur.GlobalEpsilonLimit)
	assert.Equal(t, 10, cur.MinCohortSize)
	assert.Equal(t, 100, cur.MaxQueriesPerHour)
	assert.True(t, cur.Restricts("ssn"))

	stored, err := repo.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestStore_UpdateVersioning(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t)

	next := s.Current()
	next.MinCohortSize = 50
	updated, err := s.Update(ctx, next, 1, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 50, s.Current().MinCohortSize)
	assert.Equal(t, "admin", s.Current().UpdatedBy)

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := s.Update(ctx, next, 1, "admin")
		assert.Equal(t, core.KindConflict, core.Kind(err))
	})

	t.Run("invalid policy rejected", func(t *testing.T) {
		bad := s.Current()
		bad.MinCohortSize = 0
		_, err := s.Update(ctx, bad, 2, "admin")
		assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
		assert.Equal(t, int64(2), s.Current().Version)
	})

	t.Run("survives reopen", func(t *testing.T) {
		reopened, err := NewStore(ctx, repo, quietLogger())
		require.NoError(t, err)
		assert.Equal(t, int64(2), reopened.Current().Version)
		assert.Equal(t, 50, reopened.Current().MinCohortSize)
	})
}

func TestStore_ConcurrentUpdatesFromSameBase(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := s.Current()
			p.MaxQueriesPerHour = 10 + i
			_, results[i] = s.Update(ctx, p, 1, "admin")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.Equal(t, core.KindConflict, core.Kind(err))
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(2), s.Current().Version)
}

func TestStore_ApplySkipsIdenticalRules(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	same := core.DefaultPolicy()
	same.RestrictedColumns = []string{"DIAGNOSIS", "ssn", "patient_id", "ssn"}
	_, changed, err := s.Apply(ctx, same, "file")
	require.NoError(t, err)
	assert.False(t, changed)

	diff := core.DefaultPolicy()
	diff.GlobalEpsilonLimit = 2
	p, changed, err := s.Apply(ctx, diff, "file")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), p.Version)
}

func TestParse(t *testing.T) {
	t.Run("partial document keeps defaults", func(t *testing.T) {
		p, err := Parse([]byte("min_cohort_size: 25\nrestricted_columns: [ssn, Income]\n"))
		require.NoError(t, err)
		assert.Equal(t, 25, p.MinCohortSize)
		assert.Equal(t, 5.0, p.GlobalEpsilonLimit)
		assert.Equal(t, []string{"income", "ssn"}, p.RestrictedColumns)
	})

	t.Run("empty document is the default", func(t *testing.T) {
		p, err := Parse(nil)
		require.NoError(t, err)
		assert.True(t, p.SameRules(core.DefaultPolicy()))
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte("min_cohort: 5\n"))
		assert.Equal(t, core.KindInvalidParameters, core.Kind(err))
	})

	t.Run("unknown mechanism", func(t *testing.T) {
		_, err := Parse([]byte("allowed_mechanisms: [laplace, randomized_response]\n"))
		assert.Error(t, err)
	})

	t.Run("round trip", func(t *testing.T) {
		out, err := Marshal(core.DefaultPolicy())
		require.NoError(t, err)
		p, err := Parse(out)
		require.NoError(t, err)
		assert.True(t, p.SameRules(core.DefaultPolicy()))
		assert.NotContains(t, string(out), "version")
	})
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _, _ := newTestStore(t)

	file := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("min_cohort_size: 20\n"), 0o644))

	w := NewWatcher(file, s, quietLogger())
	require.NoError(t, w.Sync(ctx))
	assert.Equal(t, 20, s.Current().MinCohortSize)

	reloads := make(chan error, 4)
	w.reloaded = func(err error) { reloads <- err }
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeAtomic(t, file, "min_cohort_size: 30\n")

	deadline := time.After(5 * time.Second)
	for s.Current().MinCohortSize != 30 {
		select {
		case err := <-reloads:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("policy file change not picked up")
		}
	}
	version := s.Current().Version
	assert.GreaterOrEqual(t, version, int64(3))

	t.Run("broken file keeps current version", func(t *testing.T) {
		writeAtomic(t, file, "min_cohort_size: [\n")
		deadline := time.After(5 * time.Second)
		for failed := false; !failed; {
			select {
			case err := <-reloads:
				failed = err != nil
			case <-deadline:
				t.Fatal("broken policy file not reported")
			}
		}
		assert.Equal(t, version, s.Current().Version)
		assert.Equal(t, 30, s.Current().MinCohortSize)
	})

	cancel()
	assert.NoError(t, <-done)
}

// writeAtomic replaces path by rename, as editors and config management do.
func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}
