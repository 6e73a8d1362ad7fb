package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronos-map/pkg/offline"
)

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ offline.Store = (*Database)(nil)

// Open creates the named cache if it does not exist.
func (db *Database) Open(ctx context.Context, cache string) error {
	return db.ensureCache(ctx, db.DB, cache)
}

func (db *Database) ensureCache(ctx context.Context, exec sqlExecutor, cache string) error {
	var n int
	if err := exec.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM offline_caches WHERE name = ?`), cache).Scan(&n); err != nil {
		return fmt.Errorf("lookup cache %s: %w", cache, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := exec.ExecContext(ctx,
		db.rebind(`INSERT INTO offline_caches (name, created_at) VALUES (?, ?)`),
		cache, time.Now().Unix()); err != nil {
		return fmt.Errorf("create cache %s: %w", cache, err)
	}
	return nil
}

// Put stores or replaces an entry inside one transaction.
func (db *Database) Put(ctx context.Context, cache string, e offline.Entry) (err error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = db.ensureCache(ctx, tx, cache); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		db.rebind(`DELETE FROM offline_entries WHERE cache_name = ? AND url = ?`),
		cache, e.URL); err != nil {
		return fmt.Errorf("replace %s: %w", e.URL, err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	if _, err = tx.ExecContext(ctx,
		db.rebind(`INSERT INTO offline_entries (cache_name, url, status, content_type, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		cache, e.URL, e.Status, e.ContentType, body, e.StoredAt.UnixNano()); err != nil {
		return fmt.Errorf("insert %s: %w", e.URL, err)
	}
	return tx.Commit()
}

// Match returns the entry for url or offline.ErrCacheMiss.
func (db *Database) Match(ctx context.Context, cache, url string) (offline.Entry, error) {
	var (
		e           offline.Entry
		status      int64
		contentType sql.NullString
		storedAt    int64
	)
	err := db.DB.QueryRowContext(ctx,
		db.rebind(`SELECT status, content_type, body, stored_at FROM offline_entries
WHERE cache_name = ? AND url = ?`), cache, url).
		Scan(&status, &contentType, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.Entry{}, offline.ErrCacheMiss
	}
	if err != nil {
		return offline.Entry{}, fmt.Errorf("match %s: %w", url, err)
	}
	e.URL = url
	e.Status = int(status)
	e.ContentType = contentType.String
	e.StoredAt = time.Unix(0, storedAt)
	return e, nil
}

// Names lists every cache in name order.
func (db *Database) Names(ctx context.Context) ([]string, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT name FROM offline_caches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete drops a cache and every entry in it.
func (db *Database) Delete(ctx context.Context, cache string) (err error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		db.rebind(`DELETE FROM offline_entries WHERE cache_name = ?`), cache); err != nil {
		return fmt.Errorf("delete entries of %s: %w", cache, err)
	}
	if _, err = tx.ExecContext(ctx,
		db.rebind(`DELETE FROM offline_caches WHERE name = ?`), cache); err != nil {
		return fmt.Errorf("delete cache %s: %w", cache, err)
	}
	return tx.Commit()
}

// Count returns the number of entries in a cache.
func (db *Database) Count(ctx context.Context, cache string) (int, error) {
	var n int
	if err := db.DB.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM offline_entries WHERE cache_name = ?`), cache).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", cache, err)
	}
	return n, nil
}
