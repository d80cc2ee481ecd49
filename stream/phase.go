package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Phase is the last known stream phase of a user.
type Phase string

const (
	PhaseOffline Phase = "offline"
	PhaseLive    Phase = "live"
)

// State is a user's banner_state row.
type State struct {
	UserID         string    `json:"user_id"`
	Phase          Phase     `json:"phase"`
	LiveImageKey   string    `json:"live_image_key,omitempty"`
	BackupImageKey string    `json:"backup_image_key,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// PhaseStore persists per-user phase. Users without a record are offline.
// Only the handler writes it, while holding the user's transition lock.
type PhaseStore interface {
	Phase(ctx context.Context, userID string) (Phase, error)
	SetPhase(ctx context.Context, userID string, phase Phase) error
	State(ctx context.Context, userID string) (State, error)
	// LiveUsers lists users whose phase is live, sorted by id.
	LiveUsers(ctx context.Context) ([]string, error)
	DeleteUser(ctx context.Context, userID string) error
}

// Images are keyed by user id in both buckets, so the keys recorded in
// banner_state are the user id once the bucket holds something.

// MemoryPhaseStore keeps phases in process memory.
type MemoryPhaseStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryPhaseStore() *MemoryPhaseStore {
	return &MemoryPhaseStore{states: make(map[string]State)}
}

func (m *MemoryPhaseStore) Phase(ctx context.Context, userID string) (Phase, error) {
	st, err := m.State(ctx, userID)
	return st.Phase, err
}

func (m *MemoryPhaseStore) State(ctx context.Context, userID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[userID]
	if !ok {
		return State{UserID: userID, Phase: PhaseOffline}, nil
	}
	return st, nil
}

func (m *MemoryPhaseStore) SetPhase(ctx context.Context, userID string, phase Phase) error {
	if err := checkPhase(phase); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.UserID, st.Phase, st.LiveImageKey, st.UpdatedAt = userID, phase, userID, time.Now().UTC()
	if phase == PhaseLive {
		st.BackupImageKey = userID
	}
	m.states[userID] = st
	return nil
}

func (m *MemoryPhaseStore) LiveUsers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, st := range m.states {
		if st.Phase == PhaseLive {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryPhaseStore) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

// PostgresPhaseStore keeps phases in banner_state.
type PostgresPhaseStore struct {
	db *sql.DB
}

func NewPostgresPhaseStore(db *sql.DB) *PostgresPhaseStore {
	return &PostgresPhaseStore{db: db}
}

func (p *PostgresPhaseStore) Phase(ctx context.Context, userID string) (Phase, error) {
	st, err := p.State(ctx, userID)
	return st.Phase, err
}

func (p *PostgresPhaseStore) State(ctx context.Context, userID string) (State, error) {
	st := State{UserID: userID}
	var live, backup sql.NullString
	var updated sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT phase, live_image_key, backup_image_key, updated_at FROM banner_state WHERE user_id=$1`, userID).
		Scan(&st.Phase, &live, &backup, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		st.Phase = PhaseOffline
		return st, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read banner state: %w", err)
	}
	st.LiveImageKey, st.BackupImageKey, st.UpdatedAt = live.String, backup.String, updated.Time
	return st, nil
}

func (p *PostgresPhaseStore) SetPhase(ctx context.Context, userID string, phase Phase) error {
	if err := checkPhase(phase); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO banner_state(user_id, phase, live_image_key, backup_image_key, updated_at)
		VALUES($1, $2, $1, CASE WHEN $2 = 'live' THEN $1 END, NOW())
		ON CONFLICT(user_id) DO UPDATE SET
			phase=EXCLUDED.phase,
			live_image_key=EXCLUDED.live_image_key,
			backup_image_key=COALESCE(EXCLUDED.backup_image_key, banner_state.backup_image_key),
			updated_at=NOW()`, userID, string(phase))
	if err != nil {
		return fmt.Errorf("write banner state: %w", err)
	}
	return nil
}

func (p *PostgresPhaseStore) LiveUsers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM banner_state WHERE phase='live' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // rows.Err checked below
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresPhaseStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM banner_state WHERE user_id=$1`, userID)
	return err
}

func checkPhase(phase Phase) error {
	if phase != PhaseOffline && phase != PhaseLive {
		return fmt.Errorf("unknown phase %q", phase)
	}
	return nil
}
