package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/storage"
	"github.com/nicktill/tinyexp/pkg/storage/storagetest"
)

// Set TINYEXP_TEST_POSTGRES_DSN to a disposable database to run these.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("TINYEXP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TINYEXP_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresStorage_Conformance(t *testing.T) {
	dsn := testDSN(t)
	require.NoError(t, Migrate(dsn))

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		db, err := Open(context.Background(), Config{DSN: dsn})
		require.NoError(t, err)
		_, err = db.Exec(`TRUNCATE experiments, assignments, analysis_results, recommendations, daily_metrics, models`)
		require.NoError(t, err)
		return New(db)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn))

	version, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
