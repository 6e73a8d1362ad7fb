// Package database persists the offline cache in a SQL engine so cached
// tiles and vendor files survive restarts.  sqlite, genji, duckdb and
// PostgreSQL (pgx) are supported through database/sql; drivers register
// themselves from the drivers subpackage.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Database wraps the SQL connection and the normalised driver name.
type Database struct {
	DB     *sql.DB
	Driver string
	logf   func(string, ...any)
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // sqlite, genji, duckdb or pgx
	DBPath    string // file path for embedded engines
	DBConn    string // raw DSN for pgx, overrides the fields below
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // server port, used in the default file name
	Logf      func(string, ...any)
}

func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// DSN returns the data source name NewDatabase will open.
func DSN(config Config) (string, error) {
	driverName := normalizeDBType(config.DBType)
	switch driverName {
	case "sqlite", "genji":
		if config.DBPath != "" {
			return config.DBPath, nil
		}
		return fmt.Sprintf("chronos-cache-%d.%s", config.Port, driverName), nil
	case "duckdb":
		if config.DBPath != "" {
			return config.DBPath, nil
		}
		return fmt.Sprintf("chronos-cache-%d.duckdb", config.Port), nil
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			return config.DBConn, nil
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", config.DBType)
	}
}

// NewDatabase opens DB and configures connection pooling.
// Embedded engines get a single connection.
func NewDatabase(config Config) (*Database, error) {
	logf := config.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	driverName := normalizeDBType(config.DBType)
	dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	switch driverName {
	case "sqlite", "genji", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "pgx":
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	switch driverName {
	case "sqlite":
		if err := tuneConnection(ctx, db, sqlitePragmas, logf); err != nil {
			logf("sqlite tuning skipped: %v", err)
		}
	case "duckdb":
		if err := tuneConnection(ctx, db, duckdbPragmas(), logf); err != nil {
			logf("duckdb tuning skipped: %v", err)
		}
	}

	if driverName == "pgx" {
		logf("Using database driver: %s on %s:%d/%s", driverName, config.DBHost, config.DBPort, config.DBName)
	} else {
		logf("Using database driver: %s with DSN: %s", driverName, dsn)
	}

	return &Database{DB: db, Driver: driverName, logf: logf}, nil
}

// Close releases the connection pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

type pragma struct {
	label     string
	query     string
	expectRow bool
}

var sqlitePragmas = []pragma{
	{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
	{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
	{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
	{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
}

func duckdbPragmas() []pragma {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	return []pragma{{label: "threads", query: "PRAGMA threads=" + strconv.Itoa(threads) + ";"}}
}

// tuneConnection applies pragmas one by one from a worker goroutine fed
// over a channel; the first failure stops the pipeline.
func tuneConnection(ctx context.Context, db *sql.DB, steps []pragma, logf func(string, ...any)) error {
	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			select {
			case jobs <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	return <-errs
}

// InitSchema creates the cache tables.  Statements run one at a time
// because not every engine accepts several in one Exec.
func (db *Database) InitSchema(ctx context.Context) error {
	var intType, blobType string
	switch db.Driver {
	case "sqlite", "genji":
		intType, blobType = "INTEGER", "BLOB"
	case "duckdb":
		intType, blobType = "BIGINT", "BLOB"
	case "pgx":
		intType, blobType = "BIGINT", "BYTEA"
	default:
		return fmt.Errorf("unsupported database type: %s", db.Driver)
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS offline_caches (
  name       TEXT NOT NULL PRIMARY KEY,
  created_at %s NOT NULL
)`, intType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS offline_entries (
  cache_name   TEXT NOT NULL,
  url          TEXT NOT NULL,
  status       %[1]s NOT NULL,
  content_type TEXT,
  body         %[2]s,
  stored_at    %[1]s NOT NULL,
  PRIMARY KEY (cache_name, url)
)`, intType, blobType),
	}
	if err := execStatements(ctx, db.DB, statements); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func execStatements(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, raw := range stmts {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (db *Database) rebind(query string) string {
	if db.Driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
