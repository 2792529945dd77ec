package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxReportedErrors bounds the error samples kept in a BatchReport.
const maxReportedErrors = 10

// BatchOptions bounds a ForEach run.
type BatchOptions struct {
	Concurrency int
	ItemTimeout time.Duration
	Logger      *zap.Logger
}

// BatchReport counts item outcomes. Skipped items were never started
// because the run context ended first.
type BatchReport struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Partial reports whether some but not all items failed or were skipped.
func (r BatchReport) Partial() bool {
	return r.Succeeded > 0 && r.Succeeded < r.Total
}

// ForEach calls fn for every item with at most opts.Concurrency calls in
// flight. Each call gets its own timeout. A failed item is logged and
// counted; it never stops the others.
func ForEach(ctx context.Context, items []string, opts BatchOptions, fn func(ctx context.Context, item string) error) BatchReport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	var (
		mu     sync.Mutex
		report = BatchReport{Total: len(items)}
	)
	record := func(item string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			report.Succeeded++
			return
		}
		report.Failed++
		if len(report.Errors) < maxReportedErrors {
			report.Errors = append(report.Errors, item+": "+err.Error())
		}
	}

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)

	for i, item := range items {
		if ctx.Err() != nil {
			mu.Lock()
			report.Skipped = len(items) - i
			mu.Unlock()
			break
		}
		item := item
		g.Go(func() error {
			itemCtx, cancel := ctx, context.CancelFunc(func() {})
			if opts.ItemTimeout > 0 {
				itemCtx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
			}
			defer cancel()

			err := fn(itemCtx, item)
			if err != nil {
				logger.Warn("batch item failed", zap.String("item", item), zap.Error(err))
			}
			record(item, err)
			return nil
		})
	}
	_ = g.Wait()
	return report
}
