package feature

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store and SettingsStore.
type MemoryStore struct {
	mu       sync.RWMutex
	enabled  map[string]Set
	settings map[string]BannerSettings
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{enabled: make(map[string]Set), settings: make(map[string]BannerSettings)}
}

func (m *MemoryStore) ListEnabled(ctx context.Context, userID string) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Set, len(m.enabled[userID]))
	for k := range m.enabled[userID] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (m *MemoryStore) Enable(ctx context.Context, userID string, kind Kind) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.enabled[userID]
	if !ok {
		s = make(Set)
		m.enabled[userID] = s
	}
	s[kind] = struct{}{}
	return nil
}

func (m *MemoryStore) Disable(ctx context.Context, userID string, kind Kind) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enabled[userID], kind)
	return nil
}

func (m *MemoryStore) UsersWithFeature(ctx context.Context, kind Kind) ([]string, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []string
	for u, s := range m.enabled {
		if s.Has(kind) {
			users = append(users, u)
		}
	}
	slices.Sort(users)
	return users, nil
}

func (m *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enabled, userID)
	delete(m.settings, userID)
	return nil
}

// Settings exposes the SettingsStore half of m.
func (m *MemoryStore) Settings() SettingsStore { return memorySettings{m} }

type memorySettings struct{ m *MemoryStore }

func (s memorySettings) Get(ctx context.Context, userID string) (BannerSettings, error) {
	if err := ctx.Err(); err != nil {
		return BannerSettings{}, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	bs, ok := s.m.settings[userID]
	if !ok {
		return DefaultSettings(), nil
	}
	return bs, nil
}

func (s memorySettings) Put(ctx context.Context, userID string, bs BannerSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bs.ForegroundProps = normalizeProps(bs.ForegroundProps)
	bs.BackgroundProps = normalizeProps(bs.BackgroundProps)
	bs.UpdatedAt = time.Now().UTC()
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.settings[userID] = bs
	return nil
}
