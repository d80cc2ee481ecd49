package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transition outcomes recorded in the audit log.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeWarning  = "warning"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Entry is one banner_transitions row. IDs are ULIDs so they sort by time.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Direction string    `json:"direction"`
	Forced    bool      `json:"forced"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog records transitions for the admin surface.
type AuditLog interface {
	Record(ctx context.Context, e Entry) error
	// List returns userID's most recent entries, newest first.
	List(ctx context.Context, userID string, limit int) ([]Entry, error)
}

func newEntry(userID, direction string, forced bool) Entry {
	return Entry{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Direction: direction,
		Forced:    forced,
		CreatedAt: time.Now().UTC(),
	}
}

// MemoryAuditLog keeps entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryAuditLog() *MemoryAuditLog { return &MemoryAuditLog{} }

func (m *MemoryAuditLog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("audit entry without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryAuditLog) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID != userID {
			continue
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PostgresAuditLog writes banner_transitions.
type PostgresAuditLog struct {
	db *sql.DB
}

func NewPostgresAuditLog(db *sql.DB) *PostgresAuditLog { return &PostgresAuditLog{db: db} }

func (p *PostgresAuditLog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("audit entry without id")
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO banner_transitions(id, user_id, direction, forced, outcome, error, warnings, created_at)
		VALUES($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8)`,
		e.ID, e.UserID, e.Direction, e.Forced, e.Outcome, e.Error, strings.Join(e.Warnings, "\n"), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func (p *PostgresAuditLog) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, direction, forced, outcome, COALESCE(error,''), COALESCE(warnings,''), created_at
		FROM banner_transitions WHERE user_id=$1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // rows.Err checked below
	var out []Entry
	for rows.Next() {
		var e Entry
		var warnings string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Direction, &e.Forced, &e.Outcome, &e.Error, &warnings, &e.CreatedAt); err != nil {
			return nil, err
		}
		if warnings != "" {
			e.Warnings = strings.Split(warnings, "\n")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
