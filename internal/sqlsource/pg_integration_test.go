package sqlsource

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
)

// TestPGSourceFetchBedTags exercises FetchBedTags against a live
// Postgres instance shaped like the `_export` schema. It is skipped
// unless TEST_DATABASE_URL is set, since no database is available in
// a plain unit test run.
func TestPGSourceFetchBedTags(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	schema := `
		CREATE SCHEMA IF NOT EXISTS _export;
		CREATE TABLE IF NOT EXISTS _export.bedtag_ (
			bedlabel  text NOT NULL,
			timestamp timestamptz NOT NULL,
			tag       text NOT NULL
		);
		TRUNCATE _export.bedtag_;
		INSERT INTO _export.bedtag_ (bedlabel, timestamp, tag)
		VALUES ('ICU-3', now(), 'isolation');
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("setup schema: %v", err)
	}

	src := NewPGSource(pool, zerolog.Nop())
	rows, err := src.FetchBedTags(ctx, message.Origin("test"), RangeQuery{})
	if err != nil {
		t.Fatalf("FetchBedTags: %v", err)
	}
	if len(rows) != 1 || rows[0].BedLabel != "ICU-3" || rows[0].Tag != "isolation" {
		t.Errorf("FetchBedTags = %+v, want one ICU-3/isolation row", rows)
	}
}
