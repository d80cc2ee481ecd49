package server

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/live-banner/db"
)

// messageRetention is how long handled EventSub message ids are remembered.
// Twitch stops redelivering well before this.
const messageRetention = 24 * time.Hour

const messageKeyPrefix = "eventsub:"

// MessageLog remembers EventSub message ids that were handled successfully,
// so redeliveries are acknowledged without running the transition again.
type MessageLog interface {
	Seen(ctx context.Context, id string) (bool, error)
	// Remember records id and reports whether it was new.
	Remember(ctx context.Context, id string) (bool, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// KVMessageLog keeps message ids in the kv table.
type KVMessageLog struct {
	db *sql.DB
}

func NewKVMessageLog(dbx *sql.DB) *KVMessageLog { return &KVMessageLog{db: dbx} }

func (k *KVMessageLog) Seen(ctx context.Context, id string) (bool, error) {
	_, ok, err := db.GetKV(ctx, k.db, messageKeyPrefix+id)
	return ok, err
}

func (k *KVMessageLog) Remember(ctx context.Context, id string) (bool, error) {
	return db.InsertKVOnce(ctx, k.db, messageKeyPrefix+id, time.Now().UTC().Format(time.RFC3339))
}

func (k *KVMessageLog) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return db.PruneKV(ctx, k.db, messageKeyPrefix, olderThan)
}

// MemoryMessageLog is the in-process MessageLog used without Postgres.
type MemoryMessageLog struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{seen: make(map[string]time.Time)}
}

func (m *MemoryMessageLog) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok, nil
}

func (m *MemoryMessageLog) Remember(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = time.Now()
	return true, nil
}

func (m *MemoryMessageLog) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, at := range m.seen {
		if at.Before(olderThan) {
			delete(m.seen, id)
			n++
		}
	}
	return n, nil
}

func pruneMessages(ctx context.Context, log MessageLog) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := log.Prune(ctx, time.Now().Add(-messageRetention))
			if err != nil {
				slog.Warn("prune eventsub message ids failed", slog.Any("err", err), slog.String("component", "http"))
				continue
			}
			if n > 0 {
				slog.Debug("pruned eventsub message ids", slog.Int64("count", n), slog.String("component", "http"))
			}
		}
	}
}
