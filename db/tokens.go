package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTokenNotFound is returned when no token row exists for (provider, user).
var ErrTokenNotFound = errors.New("oauth token not found")

// OAuthToken is one decrypted oauth_tokens row.
type OAuthToken struct {
	Provider     string
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// associated data binding a sealed token to its row
func tokenAAD(provider, userID string) string { return provider + "/" + userID }

// UpsertOAuthToken stores a token, sealing it when a keyring is configured.
// encryption_version=1 marks sealed rows, 0 plaintext ones.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, tok OAuthToken) error {
	if tok.Provider == "" || tok.UserID == "" {
		return errors.New("provider and user id are required")
	}
	kr, err := getKeyring()
	if err != nil {
		return fmt.Errorf("get keyring: %w", err)
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if kr != nil {
		aad := tokenAAD(tok.Provider, tok.UserID)
		if access, keyID, err = kr.Seal(tok.AccessToken, aad); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, _, err = kr.Seal(tok.RefreshToken, aad); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = 1
	}
	_, err = dbx.ExecContext(ctx, `
		INSERT INTO oauth_tokens(provider, user_id, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT(provider, user_id) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		tok.Provider, tok.UserID, access, refresh, tok.Expiry, tok.Scope, encVersion, keyID)
	return err
}

// GetOAuthToken loads and decrypts a token row.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider, userID string) (OAuthToken, error) {
	row := dbx.QueryRowContext(ctx, `
		SELECT provider, user_id, COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(expires_at, 'epoch'::timestamptz),
		       COALESCE(scope,''), COALESCE(encryption_version,0), COALESCE(encryption_key_id,'')
		FROM oauth_tokens WHERE provider=$1 AND user_id=$2`, provider, userID)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthToken{}, fmt.Errorf("%w: %s/%s", ErrTokenNotFound, provider, userID)
	}
	return tok, err
}

// ListExpiringOAuthTokens returns tokens for provider expiring before the
// given instant that can still be refreshed.
func ListExpiringOAuthTokens(ctx context.Context, dbx *sql.DB, provider string, before time.Time) ([]OAuthToken, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT provider, user_id, COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(expires_at, 'epoch'::timestamptz),
		       COALESCE(scope,''), COALESCE(encryption_version,0), COALESCE(encryption_key_id,'')
		FROM oauth_tokens
		WHERE provider=$1 AND expires_at < $2 AND COALESCE(refresh_token,'') <> ''
		ORDER BY expires_at`, provider, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OAuthToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			// one undecryptable row must not block refreshing the others
			slog.Warn("skipping unreadable oauth token", slog.Any("err", err), slog.String("component", "db_tokens"))
			continue
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// DeleteOAuthTokens removes every token stored for userID.
func DeleteOAuthTokens(ctx context.Context, dbx *sql.DB, userID string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id=$1`, userID)
	return err
}

// RotateOAuthTokens re-seals every plaintext row, and every row sealed under a
// retired key, with the primary key. It returns how many rows need (or, when
// dryRun is false, received) rotation. Rows that cannot be read are reported
// in the joined error and skipped.
func RotateOAuthTokens(ctx context.Context, dbx *sql.DB, dryRun bool) (int, error) {
	kr, err := getKeyring()
	if err != nil {
		return 0, err
	}
	if kr == nil {
		return 0, errors.New("ENCRYPTION_KEY is required to rotate tokens")
	}
	rows, err := dbx.QueryContext(ctx, `
		SELECT provider, user_id, COALESCE(encryption_version,0), COALESCE(encryption_key_id,'')
		FROM oauth_tokens ORDER BY provider, user_id`)
	if err != nil {
		return 0, fmt.Errorf("query tokens: %w", err)
	}
	type ref struct{ provider, userID string }
	var pending []ref
	for rows.Next() {
		var r ref
		var version int
		var keyID string
		if err := rows.Scan(&r.provider, &r.userID, &version, &keyID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token: %w", err)
		}
		if version == 0 || kr.NeedsRotation(keyID) {
			pending = append(pending, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if dryRun {
		return len(pending), nil
	}
	var errs []error
	rotated := 0
	for _, r := range pending {
		tok, err := GetOAuthToken(ctx, dbx, r.provider, r.userID)
		if err == nil {
			err = UpsertOAuthToken(ctx, dbx, tok)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.provider, r.userID, err))
			continue
		}
		rotated++
	}
	return rotated, errors.Join(errs...)
}

type scanner interface{ Scan(dest ...any) error }

func scanToken(s scanner) (OAuthToken, error) {
	var tok OAuthToken
	var version int
	var keyID string
	if err := s.Scan(&tok.Provider, &tok.UserID, &tok.AccessToken, &tok.RefreshToken, &tok.Expiry, &tok.Scope, &version, &keyID); err != nil {
		return OAuthToken{}, err
	}
	if version == 0 {
		return tok, nil
	}
	kr, err := getKeyring()
	if err != nil {
		return OAuthToken{}, fmt.Errorf("get keyring for decryption: %w", err)
	}
	if kr == nil {
		return OAuthToken{}, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	aad := tokenAAD(tok.Provider, tok.UserID)
	if tok.AccessToken, err = kr.Open(tok.AccessToken, keyID, aad); err != nil {
		return OAuthToken{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = kr.Open(tok.RefreshToken, keyID, aad); err != nil {
		return OAuthToken{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}
