// Package assign places subjects into experiment arms.
//
// The arm is a pure function of (experiment id, subject id): the first eight
// bytes of SHA-256("<experiment>:<subject>") read as a big-endian integer,
// even for control and odd for variant. The first assignment persisted for a
// pair is authoritative and is returned verbatim on every later call, so a
// change to the hash could never move an existing subject.
package assign

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/telemetry"
)

// Where an answer came from, for metrics.
const (
	originCache = "cache"
	originStore = "store"
	originNew   = "new"
)

// Cache is an optional read-through layer in front of storage. It must
// never overwrite an existing entry.
type Cache interface {
	Get(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, bool, error)
	SetIfAbsent(ctx context.Context, a experiment.Assignment) error
}

// HashGroup returns the deterministic arm for a subject.
func HashGroup(experimentID, subjectID string) experiment.Group {
	sum := sha256.Sum256([]byte(experimentID + ":" + subjectID))
	if binary.BigEndian.Uint64(sum[:8])%2 == 0 {
		return experiment.GroupControl
	}
	return experiment.GroupVariant
}

// Engine assigns subjects and persists the result.
type Engine struct {
	store   storage.Storage
	cache   Cache
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache puts c in front of storage.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records assignment counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an assignment engine.
func New(store storage.Storage, opts ...Option) *Engine {
	e := &Engine{store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assign returns the subject's arm in an experiment, assigning it on first
// sight. The experiment must exist. For an ended experiment an existing
// assignment is still returned, together with an ErrInvalidState error; a
// subject never seen before is not assigned.
func (e *Engine) Assign(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error) {
	if subjectID == "" {
		return experiment.Assignment{}, fmt.Errorf("subject id is required: %w", experiment.ErrInvalidConfiguration)
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return experiment.Assignment{}, err
	}

	if e.cache != nil {
		cached, ok, err := e.cache.Get(ctx, experimentID, subjectID)
		if err != nil {
			// Storage is authoritative; a cache outage only costs latency.
			e.logger.Warn("assignment cache read failed", zap.String("experiment", experimentID), zap.Error(err))
		} else if ok {
			e.metrics.Assignment(string(cached.Group), originCache)
			return cached, inactive(exp)
		}
	}

	existing, err := e.store.GetAssignment(ctx, experimentID, subjectID)
	if err == nil {
		e.metrics.Assignment(string(existing.Group), originStore)
		e.warmCache(ctx, existing)
		return existing, inactive(exp)
	}
	if !errors.Is(err, experiment.ErrNotFound) {
		return experiment.Assignment{}, err
	}

	if err := inactive(exp); err != nil {
		return experiment.Assignment{}, err
	}

	candidate := experiment.Assignment{
		ExperimentID: experimentID,
		SubjectID:    subjectID,
		Group:        HashGroup(experimentID, subjectID),
		AssignedAt:   e.now().UTC(),
	}
	stored, inserted, err := e.store.InsertAssignment(ctx, candidate)
	if err != nil {
		return experiment.Assignment{}, fmt.Errorf("failed to persist assignment: %w", err)
	}

	origin := originNew
	if !inserted {
		origin = originStore
	}
	e.metrics.Assignment(string(stored.Group), origin)
	e.warmCache(ctx, stored)

	e.logger.Debug("subject assigned",
		zap.String("experiment", experimentID),
		zap.String("subject", subjectID),
		zap.String("group", string(stored.Group)),
		zap.Bool("inserted", inserted))
	return stored, nil
}

func (e *Engine) warmCache(ctx context.Context, a experiment.Assignment) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetIfAbsent(ctx, a); err != nil {
		e.logger.Warn("assignment cache write failed", zap.String("experiment", a.ExperimentID), zap.Error(err))
	}
}

func inactive(exp experiment.Experiment) error {
	if exp.Active {
		return nil
	}
	return fmt.Errorf("experiment %s has ended: %w", exp.ID, experiment.ErrInvalidState)
}
