package database

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"chronos-map/pkg/offline"
)

func openSQLite(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(Config{
		DBType: "sqlite",
		DBPath: filepath.Join(t.TempDir(), "cache.sqlite"),
		Logf:   t.Logf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))
	return db
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(Config{DBType: "SQLite ", Port: 8765})
	require.NoError(t, err)
	assert.Equal(t, "chronos-cache-8765.sqlite", dsn)

	dsn, err = DSN(Config{DBType: "pgx", DBUser: "u", DBPass: "p", DBHost: "h", DBPort: 5432, DBName: "chronos", PGSSLMode: "disable"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h:5432/chronos?sslmode=disable", dsn)

	dsn, err = DSN(Config{DBType: "pgx", DBConn: "postgres://override"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://override", dsn)

	_, err = DSN(Config{DBType: "clickhouse"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Database{Driver: "pgx"}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))
	lite := &Database{Driver: "sqlite"}
	assert.Equal(t, "WHERE b = ?", lite.rebind("WHERE b = ?"))
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, db.InitSchema(context.Background()))
}

func TestCacheStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	require.NoError(t, db.Open(ctx, "chronos-v2"))
	require.NoError(t, db.Open(ctx, "chronos-v2"))

	stored := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Put(ctx, "chronos-v2", offline.Entry{
		URL: "https://tiles/1/0/0.png", Status: http.StatusOK, ContentType: "image/png",
		Body: []byte{0x89, 'P', 'N', 'G'}, StoredAt: stored,
	}))
	require.NoError(t, db.Put(ctx, "chronos-v2", offline.Entry{
		URL: "https://tiles/1/0/0.png", Status: http.StatusOK, ContentType: "image/png",
		Body: []byte("v2"), StoredAt: stored.Add(time.Hour),
	}))

	e, err := db.Match(ctx, "chronos-v2", "https://tiles/1/0/0.png")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(e.Body), "put replaces the existing entry")
	assert.Equal(t, "image/png", e.ContentType)
	assert.True(t, e.StoredAt.Equal(stored.Add(time.Hour)))

	n, err := db.Count(ctx, "chronos-v2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Match(ctx, "chronos-v2", "https://tiles/absent.png")
	assert.ErrorIs(t, err, offline.ErrCacheMiss)
}

func TestCacheStoreDrivesWorker(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.Put(ctx, "chronos-v1", offline.Entry{URL: "https://old", Status: 200, Body: []byte("x")}))

	w := offline.NewWorker(offline.Options{
		Name:    "chronos-v2",
		Assets:  []string{"https://unpkg/leaflet.js"},
		Store:   db,
		Network: staticNetwork{"https://unpkg/leaflet.js": "L"},
		Logf:    t.Logf,
	})
	require.NoError(t, w.Start(ctx))

	names, err := db.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chronos-v2"}, names)

	n, err := db.Count(ctx, "chronos-v1")
	require.NoError(t, err)
	assert.Zero(t, n)

	e, src, err := w.Fetch(ctx, "https://unpkg/leaflet.js")
	require.NoError(t, err)
	assert.Equal(t, offline.SourceCache, src)
	assert.Equal(t, "L", string(e.Body))
}

type staticNetwork map[string]string

func (s staticNetwork) Fetch(_ context.Context, url string) (offline.Entry, error) {
	body, ok := s[url]
	if !ok {
		return offline.Entry{URL: url, Status: http.StatusNotFound}, nil
	}
	return offline.Entry{URL: url, Status: http.StatusOK, Body: []byte(body)}, nil
}
