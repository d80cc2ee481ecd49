// Package main re-encrypts stored OAuth tokens under the current ENCRYPTION_KEY.
//
// Plaintext rows and rows sealed with a key listed in ENCRYPTION_KEY_PREVIOUS
// are decrypted and sealed again with the primary key. Run it after adding a
// new key and before dropping the old one from ENCRYPTION_KEY_PREVIOUS.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--status]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte primary key (required)
//	ENCRYPTION_KEY_PREVIOUS: Comma separated retired keys still needed to read old rows
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/live-banner/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Report how many tokens need rotation without changing them")
	statusOnly := flag.Bool("status", false, "Only print how tokens are currently stored")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	if os.Getenv("ENCRYPTION_KEY") == "" && !*statusOnly {
		slog.Error("ENCRYPTION_KEY environment variable is required for rotation")
		os.Exit(1)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if !*statusOnly {
		if err := rotate(ctx, database, *dryRun); err != nil {
			slog.Error("rotation failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Error("status query failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func rotate(ctx context.Context, database *sql.DB, dryRun bool) error {
	n, err := db.RotateOAuthTokens(ctx, database, dryRun)
	if dryRun {
		slog.Info("tokens needing rotation (dry-run)", slog.Int("count", n))
		return err
	}
	slog.Info("rotation summary", slog.Int("rotated", n), slog.Bool("errors", err != nil))
	return err
}

// keyCount is one row of the storage report.
type keyCount struct {
	Version int
	KeyID   string
	Count   int
}

func (k keyCount) describe() string {
	switch k.Version {
	case 0:
		return "plaintext"
	case 1:
		return "encrypted (AES-256-GCM)"
	default:
		return fmt.Sprintf("unknown version %d", k.Version)
	}
}

func storageStatus(ctx context.Context, database *sql.DB) ([]keyCount, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT COALESCE(encryption_version,0), COALESCE(encryption_key_id,''), COUNT(*)
		FROM oauth_tokens
		GROUP BY 1, 2
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()
	var out []keyCount
	for rows.Next() {
		var k keyCount
		if err := rows.Scan(&k.Version, &k.KeyID, &k.Count); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func reportStatus(ctx context.Context, database *sql.DB) error {
	counts, err := storageStatus(ctx, database)
	if err != nil {
		return err
	}
	total := 0
	for _, k := range counts {
		slog.Info("token storage", slog.Int("encryption_version", k.Version), slog.String("key_id", k.KeyID), slog.String("description", k.describe()), slog.Int("count", k.Count))
		total += k.Count
	}
	slog.Info("total tokens", slog.Int("count", total))
	return nil
}
