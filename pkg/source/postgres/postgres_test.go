package postgres

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

const fixtureSchema = `
CREATE TEMP TABLE campaigns (id TEXT PRIMARY KEY, merchant_id TEXT, campaign_type TEXT, offer_amount NUMERIC, status TEXT, created_at TIMESTAMPTZ);
CREATE TEMP TABLE campaign_views (id SERIAL PRIMARY KEY, campaign_id TEXT, user_id TEXT, created_at TIMESTAMPTZ);
CREATE TEMP TABLE campaign_conversions (id SERIAL PRIMARY KEY, view_id INT, user_id TEXT, conversion_amount NUMERIC, created_at TIMESTAMPTZ);
CREATE TEMP TABLE user_segments (user_id TEXT, segment_name TEXT);
CREATE TEMP TABLE merchants (id TEXT PRIMARY KEY, name TEXT, category_id TEXT, rating NUMERIC);
`

// Runs against TINYEXP_TEST_POSTGRES_DSN using temporary tables.
func TestSource_AgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TINYEXP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TINYEXP_TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	// Temp tables are per-connection.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err = db.ExecContext(ctx, fixtureSchema)
	require.NoError(t, err)
	fixtures := []string{
		`INSERT INTO merchants VALUES ('m1', 'Cafe', 'food', 4.5), ('m2', 'Diner', 'food', 4.0), ('m3', 'Gym', 'fitness', 4.9)`,
		`INSERT INTO campaigns VALUES ('c1', 'm1', 'VIP_OFFER', 10, 'active', $1), ('c2', 'm3', 'CHALLENGE', 5, 'ended', $1)`,
		`INSERT INTO campaign_views (campaign_id, user_id, created_at) VALUES ('c1', 'u1', $1), ('c1', 'u2', $1), ('c1', 'u2', $1)`,
		`INSERT INTO campaign_conversions (view_id, user_id, conversion_amount, created_at) VALUES (1, 'u1', 12.5, $1)`,
		`INSERT INTO user_segments VALUES ('u1', 'high_value'), ('u2', 'new')`,
	}
	for _, f := range fixtures {
		var args []any
		if strings.Contains(f, "$1") {
			args = append(args, now)
		}
		_, err = db.ExecContext(ctx, f, args...)
		require.NoError(t, err)
	}

	src := New(db)

	counts, err := src.GroupCounts(ctx, "c1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Subjects)
	assert.Equal(t, int64(3), counts.Impressions)
	assert.Equal(t, int64(1), counts.Conversions)
	assert.InDelta(t, 12.5, counts.Revenue, 1e-9)

	c, err := src.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Active)
	assert.Equal(t, experiment.CampaignVIPOffer, c.Type)

	_, err = src.Campaign(ctx, "nope")
	assert.ErrorIs(t, err, experiment.ErrNotFound)

	active, err := src.ActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	visited, err := src.VisitedMerchants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, visited, 1)
	assert.Equal(t, "m1", visited[0].ID)

	top, err := src.TopMerchants(ctx, []string{"food"}, []string{"m1"}, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "m2", top[0].ID)

	all, err := src.TopMerchants(ctx, nil, nil, 5)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	segments, err := src.SegmentCounts(ctx, experiment.CampaignVIPOffer)
	require.NoError(t, err)
	assert.Len(t, segments, 2)

	rows, err := src.TrainingRows(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Impressions)
}
