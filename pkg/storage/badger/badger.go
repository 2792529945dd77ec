package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
)

// Key prefixes. Variable-length ids are hashed with xxhash where a key needs
// a fixed-width component ahead of a sortable suffix.
const (
	prefixExperiment     = "e:"
	prefixAssignment     = "a:"
	prefixResult         = "r:"
	prefixRecommendation = "c:"
	prefixDaily          = "d:"
	prefixModel          = "m:"
)

// maxConflictRetries bounds retries of insert-if-absent transactions.
const maxConflictRetries = 5

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Default is 16 MB memtable; below that badger flushes constantly.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches are unbounded unless set explicitly.
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// do runs fn on a separate goroutine so a cancelled context releases the
// caller even while badger is blocked on disk. Writes go through update,
// which refuses to commit once ctx is done; a commit already in progress
// when ctx is cancelled may still land.
func (s *Storage) do(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
	}
}

// CreateExperiment stores a new experiment.
func (s *Storage) CreateExperiment(ctx context.Context, exp experiment.Experiment) error {
	return s.do(ctx, "create experiment", func() error {
		return s.retryConflicts(ctx, func(txn *badger.Txn) error {
			key := experimentKey(exp.ID)
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("experiment %s already exists: %w", exp.ID, experiment.ErrInvalidState)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return setJSON(txn, key, exp)
		})
	})
}

// GetExperiment loads one experiment.
func (s *Storage) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	var exp experiment.Experiment
	err := s.do(ctx, "get experiment", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, experimentKey(id), &exp, "experiment "+id)
		})
	})
	return exp, err
}

// ListExperiments returns experiments newest first.
func (s *Storage) ListExperiments(ctx context.Context, opts storage.ListOptions) ([]experiment.Experiment, error) {
	out := make([]experiment.Experiment, 0)
	err := s.do(ctx, "list experiments", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(ctx, txn, []byte(prefixExperiment), false, func(_ []byte, val []byte) (bool, error) {
				var exp experiment.Experiment
				if err := json.Unmarshal(val, &exp); err != nil {
					return false, fmt.Errorf("failed to decode experiment: %w", err)
				}
				if !opts.ActiveOnly || exp.Active {
					out = append(out, exp)
				}
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	storage.SortExperiments(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// UpdateExperiment overwrites an existing experiment.
func (s *Storage) UpdateExperiment(ctx context.Context, exp experiment.Experiment) error {
	return s.do(ctx, "update experiment", func() error {
		return s.retryConflicts(ctx, func(txn *badger.Txn) error {
			key := experimentKey(exp.ID)
			if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrNotFound)
			} else if err != nil {
				return err
			}
			return setJSON(txn, key, exp)
		})
	})
}

// InsertAssignment stores a unless the subject is already assigned. Racing
// transactions conflict at commit; the loser retries and reads the winner.
func (s *Storage) InsertAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, bool, error) {
	var stored experiment.Assignment
	var inserted bool

	err := s.do(ctx, "insert assignment", func() error {
		return s.retryConflicts(ctx, func(txn *badger.Txn) error {
			inserted = false
			key := assignmentKey(a.ExperimentID, a.SubjectID)
			err := getJSON(txn, key, &stored, "assignment")
			if err == nil {
				return nil
			}
			if !errors.Is(err, experiment.ErrNotFound) {
				return err
			}
			stored = a
			inserted = true
			return setJSON(txn, key, a)
		})
	})
	if err != nil {
		return experiment.Assignment{}, false, err
	}
	return stored, inserted, nil
}

// GetAssignment loads a subject's assignment.
func (s *Storage) GetAssignment(ctx context.Context, experimentID, subjectID string) (experiment.Assignment, error) {
	var a experiment.Assignment
	err := s.do(ctx, "get assignment", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, assignmentKey(experimentID, subjectID), &a, "assignment "+experimentID+"/"+subjectID)
		})
	})
	return a, err
}

// AppendResult appends an analysis result.
func (s *Storage) AppendResult(ctx context.Context, r experiment.AnalysisResult) error {
	return s.do(ctx, "append result", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			return setJSON(txn, resultKey(r.AnalyzedAt, r.ID), r)
		})
	})
}

// ListResults returns results newest first. Result keys embed an inverted
// timestamp so a forward scan is already newest first.
func (s *Storage) ListResults(ctx context.Context, q storage.ResultQuery) ([]experiment.AnalysisResult, error) {
	out := make([]experiment.AnalysisResult, 0)
	err := s.do(ctx, "list results", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(ctx, txn, []byte(prefixResult), false, func(_ []byte, val []byte) (bool, error) {
				var r experiment.AnalysisResult
				if err := json.Unmarshal(val, &r); err != nil {
					return false, fmt.Errorf("failed to decode result: %w", err)
				}
				if q.ExperimentID != "" && r.ExperimentID != q.ExperimentID {
					return true, nil
				}
				out = append(out, r)
				return q.Limit <= 0 || len(out) < q.Limit, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendRecommendations appends recommendation rows in one transaction.
func (s *Storage) AppendRecommendations(ctx context.Context, recs []experiment.Recommendation) error {
	return s.do(ctx, "append recommendations", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			for i, r := range recs {
				if err := setJSON(txn, recommendationKey(r.CampaignID, r.CreatedAt, uint32(i), r.ID), r); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// LatestRecommendations returns the newest row per parameter.
func (s *Storage) LatestRecommendations(ctx context.Context, campaignID string) ([]experiment.Recommendation, error) {
	var rows []experiment.Recommendation
	err := s.do(ctx, "latest recommendations", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(ctx, txn, campaignPrefix(prefixRecommendation, campaignID), false, func(_ []byte, val []byte) (bool, error) {
				var r experiment.Recommendation
				if err := json.Unmarshal(val, &r); err != nil {
					return false, fmt.Errorf("failed to decode recommendation: %w", err)
				}
				if r.CampaignID == campaignID {
					rows = append(rows, r)
				}
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return storage.LatestPerParameter(rows), nil
}

// UpsertDailyMetrics writes the rollup row for (campaign, day).
func (s *Storage) UpsertDailyMetrics(ctx context.Context, d experiment.DailyMetrics) error {
	d.Day = storage.DayStart(d.Day)
	return s.do(ctx, "upsert daily metrics", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			return setJSON(txn, dailyKey(d.CampaignID, d.Day), d)
		})
	})
}

// ListDailyMetrics returns rollup rows for a campaign, oldest first.
func (s *Storage) ListDailyMetrics(ctx context.Context, campaignID string, from, to time.Time) ([]experiment.DailyMetrics, error) {
	out := make([]experiment.DailyMetrics, 0)
	err := s.do(ctx, "list daily metrics", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(ctx, txn, campaignPrefix(prefixDaily, campaignID), false, func(_ []byte, val []byte) (bool, error) {
				var d experiment.DailyMetrics
				if err := json.Unmarshal(val, &d); err != nil {
					return false, fmt.Errorf("failed to decode daily metrics: %w", err)
				}
				if d.CampaignID != campaignID || d.Day.Before(from) {
					return true, nil
				}
				if d.Day.After(to) {
					return false, nil
				}
				out = append(out, d)
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutModel stores a serialized model.
func (s *Storage) PutModel(ctx context.Context, m storage.Model) error {
	return s.do(ctx, "put model", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			return setJSON(txn, []byte(prefixModel+m.Name), m)
		})
	})
}

// GetModel loads a serialized model.
func (s *Storage) GetModel(ctx context.Context, name string) (storage.Model, error) {
	var m storage.Model
	err := s.do(ctx, "get model", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, []byte(prefixModel+name), &m, "model "+name)
		})
	})
	return m, err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: rewrite a file if this fraction of it can be discarded.
// badger.ErrNoRewrite means there was nothing to collect.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats counts records per prefix and reports on-disk size.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.do(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			counters := []struct {
				prefix string
				n      *uint64
			}{
				{prefixExperiment, &stats.Experiments},
				{prefixAssignment, &stats.Assignments},
				{prefixResult, &stats.Results},
				{prefixRecommendation, &stats.Recommendations},
				{prefixDaily, &stats.DailyRows},
			}
			for _, c := range counters {
				err := scanPrefix(ctx, txn, []byte(c.prefix), true, func([]byte, []byte) (bool, error) {
					*c.n++
					return true, nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// update runs fn in a read-write transaction and commits it unless ctx was
// cancelled meanwhile.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction abandoned: %w", err)
	}
	return txn.Commit()
}

// retryConflicts runs fn in a read-write transaction, retrying when a
// concurrent transaction committed a conflicting write first.
func (s *Storage) retryConflicts(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.update(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction kept conflicting after %d attempts: %w", maxConflictRetries, err)
}

// scanPrefix iterates keys under prefix in order. visit returns false to stop.
// keysOnly skips value reads.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, keysOnly bool, visit func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var iterCount int
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		// Check for cancellation every 1000 keys
		if iterCount%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		item := it.Item()
		var val []byte
		if !keysOnly {
			var err error
			val, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}

		more, err := visit(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, v any, what string) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", what, experiment.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func experimentKey(id string) []byte {
	return []byte(prefixExperiment + id)
}

// assignmentKey: "a:" + [xxhash(experiment) 8 bytes] + subject
func assignmentKey(experimentID, subjectID string) []byte {
	key := make([]byte, 0, len(prefixAssignment)+8+len(subjectID))
	key = append(key, prefixAssignment...)
	key = binary.BigEndian.AppendUint64(key, xxhash.Sum64String(experimentID))
	return append(key, subjectID...)
}

// resultKey: "r:" + [MaxUint64 - unix nanos 8 bytes] + id
func resultKey(at time.Time, id string) []byte {
	key := make([]byte, 0, len(prefixResult)+8+len(id))
	key = append(key, prefixResult...)
	key = binary.BigEndian.AppendUint64(key, math.MaxUint64-uint64(at.UnixNano()))
	return append(key, id...)
}

// campaignPrefix: prefix + [xxhash(campaign) 8 bytes]
func campaignPrefix(prefix, campaignID string) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64String(campaignID))
}

// recommendationKey: campaignPrefix + [unix nanos 8 bytes] + [batch index 4 bytes] + id
func recommendationKey(campaignID string, at time.Time, seq uint32, id string) []byte {
	key := campaignPrefix(prefixRecommendation, campaignID)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	key = binary.BigEndian.AppendUint32(key, seq)
	return append(key, id...)
}

// dailyKey: campaignPrefix + [day unix seconds 8 bytes]
func dailyKey(campaignID string, day time.Time) []byte {
	return binary.BigEndian.AppendUint64(campaignPrefix(prefixDaily, campaignID), uint64(day.Unix()))
}
