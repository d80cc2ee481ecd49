package feature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/live-banner/templates"
)

// PostgresStore keeps features in the features table and render settings in
// banner_settings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. The schema comes from db.Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ListEnabled(ctx context.Context, userID string) (Set, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT kind FROM features WHERE user_id=$1 AND enabled`, userID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()
	set := make(Set)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		// rows for kinds this build does not know about are ignored
		if kind, err := ParseKind(k); err == nil {
			set[kind] = struct{}{}
		}
	}
	return set, rows.Err()
}

func (p *PostgresStore) Enable(ctx context.Context, userID string, kind Kind) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO features(user_id, kind, enabled, updated_at) VALUES($1,$2,TRUE,NOW())
		ON CONFLICT(user_id, kind) DO UPDATE SET enabled=TRUE, updated_at=NOW() WHERE NOT features.enabled`, userID, string(kind))
	if err != nil {
		return fmt.Errorf("enable %s: %w", kind, err)
	}
	return nil
}

func (p *PostgresStore) Disable(ctx context.Context, userID string, kind Kind) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE features SET enabled=FALSE, updated_at=NOW() WHERE user_id=$1 AND kind=$2 AND enabled`, userID, string(kind))
	if err != nil {
		return fmt.Errorf("disable %s: %w", kind, err)
	}
	return nil
}

func (p *PostgresStore) UsersWithFeature(ctx context.Context, kind Kind) ([]string, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM features WHERE kind=$1 AND enabled ORDER BY user_id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE user_id=$1`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM banner_settings WHERE user_id=$1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// Settings exposes the SettingsStore half of p.
func (p *PostgresStore) Settings() SettingsStore { return postgresSettings{p.db} }

type postgresSettings struct{ db *sql.DB }

func (s postgresSettings) Get(ctx context.Context, userID string) (BannerSettings, error) {
	var bs BannerSettings
	var fg, bg string
	var fgProps, bgProps []byte
	err := s.db.QueryRowContext(ctx, `SELECT foreground_id, background_id, foreground_props, background_props, updated_at
		FROM banner_settings WHERE user_id=$1`, userID).Scan(&fg, &bg, &fgProps, &bgProps, &bs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return BannerSettings{}, fmt.Errorf("get banner settings: %w", err)
	}
	bs.ForegroundID = templates.ForegroundID(fg)
	bs.BackgroundID = templates.BackgroundID(bg)
	bs.ForegroundProps = fgProps
	bs.BackgroundProps = bgProps
	return bs, nil
}

func (s postgresSettings) Put(ctx context.Context, userID string, bs BannerSettings) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO banner_settings(user_id, foreground_id, background_id, foreground_props, background_props, updated_at)
		VALUES($1,$2,$3,$4::jsonb,$5::jsonb,NOW())
		ON CONFLICT(user_id) DO UPDATE SET
			foreground_id=EXCLUDED.foreground_id,
			background_id=EXCLUDED.background_id,
			foreground_props=EXCLUDED.foreground_props,
			background_props=EXCLUDED.background_props,
			updated_at=NOW()`,
		userID, string(bs.ForegroundID), string(bs.BackgroundID),
		string(normalizeProps(bs.ForegroundProps)), string(normalizeProps(bs.BackgroundProps)))
	if err != nil {
		return fmt.Errorf("put banner settings: %w", err)
	}
	return nil
}
