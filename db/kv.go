package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetKV returns the value stored under key and whether it exists.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, bool, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.String, true, nil
}

// SetKV upserts key.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// InsertKVOnce stores key only if it is absent and reports whether this call
// created it.
func InsertKVOnce(ctx context.Context, dbx *sql.DB, key, value string) (bool, error) {
	res, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW()) ON CONFLICT(key) DO NOTHING`, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PruneKV deletes keys with the given prefix last written before cutoff.
func PruneKV(ctx context.Context, dbx *sql.DB, prefix string, cutoff time.Time) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE $1 || '%' AND updated_at < $2`, prefix, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
