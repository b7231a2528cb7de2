// Package testutil holds shared fixtures for tests that need PostgreSQL.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/fraudlens/migrations"
)

// Postgres is a migrated database for the duration of one test.
type Postgres struct {
	DB  *sql.DB
	URL string
}

// PGTest returns a migrated database, emptied and closed when t finishes.
//
// POSTGRES_URL points at an existing server. Without it, PGTEST_CONTAINER=1
// starts a disposable postgres container; otherwise t is skipped.
func PGTest(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("PGTEST_CONTAINER") != "1" {
			t.Skip("set POSTGRES_URL or PGTEST_CONTAINER=1 to run postgres tests")
		}
		dsn = startContainer(t, ctx)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() {
		truncate(ctx, t, db)
		_ = db.Close()
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return &Postgres{DB: db, URL: dsn}
}

// startContainer runs postgres in docker and registers its termination.
func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fraudlens_test"),
		tcpostgres.WithUsername("fraudlens"),
		tcpostgres.WithPassword("fraudlens"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("pgtest: container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn
}

// truncate empties the application tables. goose's version table stays so
// the next test skips already applied migrations.
func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		t.Logf("pgtest: list tables: %v", err)
		return
	}
	var quoted []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			quoted = append(quoted, pq.QuoteIdentifier(name))
		}
	}
	_ = rows.Close()
	if len(quoted) == 0 {
		return
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(quoted, ", ")); err != nil { // #nosec G202 -- identifiers are quoted
		t.Logf("pgtest: truncate: %v", err)
	}
}
