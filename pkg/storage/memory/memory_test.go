package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/tinyexp/pkg/experiment"
	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/storage/storagetest"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New()
	})
}

func TestMemoryStorage_Stats(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateExperiment(ctx, storagetest.Experiment("exp-1", experimentTime)); err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	if _, _, err := store.InsertAssignment(ctx, experiment.Assignment{ExperimentID: "exp-1", SubjectID: "u1", Group: experiment.GroupControl}); err != nil {
		t.Fatalf("InsertAssignment failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Experiments != 1 || stats.Assignments != 1 {
		t.Errorf("Expected 1 experiment and 1 assignment, got %+v", stats)
	}
}

var experimentTime = storage.DayStart(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
