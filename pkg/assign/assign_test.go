package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage/memory"
	"github.com/nicktill/tinyexp/pkg/storage/storagetest"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

var started = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) (*Engine, *memory.Storage) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.CreateExperiment(context.Background(), storagetest.Experiment("exp-1", started)))
	return New(store, opts...), store
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]experiment.Assignment
	failGet bool
}

func (c *mapCache) Get(_ context.Context, exp, subject string) (experiment.Assignment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return experiment.Assignment{}, false, errors.New("cache down")
	}
	a, ok := c.entries[exp+":"+subject]
	return a, ok, nil
}

func (c *mapCache) SetIfAbsent(_ context.Context, a experiment.Assignment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := a.ExperimentID + ":" + a.SubjectID
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = a
	}
	return nil
}

func TestHashGroup_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("user-%d", i)
		assert.Equal(t, HashGroup("exp-1", subject), HashGroup("exp-1", subject))
	}
}

func TestHashGroup_Balanced(t *testing.T) {
	const n = 10000
	control := 0
	for i := 0; i < n; i++ {
		if HashGroup("exp-balance", fmt.Sprintf("subject-%d", i)) == experiment.GroupControl {
			control++
		}
	}
	share := float64(control) / n
	assert.InDelta(t, 0.5, share, 0.05, "control share %.3f", share)
}

func TestHashGroup_DependsOnExperiment(t *testing.T) {
	differs := false
	for i := 0; i < 64 && !differs; i++ {
		s := fmt.Sprintf("s%d", i)
		differs = HashGroup("exp-a", s) != HashGroup("exp-b", s)
	}
	assert.True(t, differs, "expected some subject to land differently across experiments")
}

func TestAssign_StableAcrossCalls(t *testing.T) {
	metrics := telemetry.New()
	engine, _ := newEngine(t, WithMetrics(metrics))
	ctx := context.Background()

	first, err := engine.Assign(ctx, "exp-1", "user-42")
	require.NoError(t, err)
	assert.Equal(t, HashGroup("exp-1", "user-42"), first.Group)

	for i := 0; i < 5; i++ {
		again, err := engine.Assign(ctx, "exp-1", "user-42")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAssign_PersistedRecordWins(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	hashed := HashGroup("exp-1", "legacy")
	other := experiment.GroupVariant
	if hashed == experiment.GroupVariant {
		other = experiment.GroupControl
	}
	_, _, err := store.InsertAssignment(ctx, experiment.Assignment{ExperimentID: "exp-1", SubjectID: "legacy", Group: other, AssignedAt: started})
	require.NoError(t, err)

	a, err := engine.Assign(ctx, "exp-1", "legacy")
	require.NoError(t, err)
	assert.Equal(t, other, a.Group)
}

func TestAssign_Errors(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	_, err := engine.Assign(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	_, err = engine.Assign(ctx, "exp-1", "")
	assert.ErrorIs(t, err, experiment.ErrInvalidConfiguration)

	known, err := engine.Assign(ctx, "exp-1", "known")
	require.NoError(t, err)

	exp, err := store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.NoError(t, exp.End(started.Add(time.Hour)))
	require.NoError(t, store.UpdateExperiment(ctx, exp))

	_, err = engine.Assign(ctx, "exp-1", "newcomer")
	assert.ErrorIs(t, err, experiment.ErrInvalidState)
	_, err = store.GetAssignment(ctx, "exp-1", "newcomer")
	assert.ErrorIs(t, err, experiment.ErrNotFound, "no assignment may be written for an ended experiment")

	again, err := engine.Assign(ctx, "exp-1", "known")
	assert.ErrorIs(t, err, experiment.ErrInvalidState)
	assert.Equal(t, known.Group, again.Group)
}

func TestAssign_Concurrent(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]experiment.Group, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := engine.Assign(ctx, "exp-1", "hot-subject")
			if err == nil {
				results[i] = a.Group
			}
		}(i)
	}
	wg.Wait()

	for _, g := range results {
		assert.Equal(t, results[0], g)
	}
}

func TestAssign_Cache(t *testing.T) {
	cache := &mapCache{entries: make(map[string]experiment.Assignment)}
	engine, store := newEngine(t, WithCache(cache))
	ctx := context.Background()

	a, err := engine.Assign(ctx, "exp-1", "cached-user")
	require.NoError(t, err)
	assert.Equal(t, a, cache.entries["exp-1:cached-user"])

	// A cache hit is served without consulting the assignment table.
	fake := experiment.Assignment{ExperimentID: "exp-1", SubjectID: "only-in-cache", Group: experiment.GroupVariant, AssignedAt: started}
	require.NoError(t, cache.SetIfAbsent(ctx, fake))
	got, err := engine.Assign(ctx, "exp-1", "only-in-cache")
	require.NoError(t, err)
	assert.Equal(t, fake, got)

	// A failing cache falls back to storage.
	cache.failGet = true
	got, err = engine.Assign(ctx, "exp-1", "cached-user")
	require.NoError(t, err)
	stored, err := store.GetAssignment(ctx, "exp-1", "cached-user")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}
