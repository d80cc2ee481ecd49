package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockServer is an httptest server that dispatches on request path.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []*http.Request
}

func newMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r)
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path, replacing any previous handler.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Requests returns the requests received so far.
func (m *MockServer) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// RequestCount counts requests received for path.
func (m *MockServer) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockTwitchServer mocks the Helix API and the Twitch OAuth token endpoint.
type MockTwitchServer struct {
	*MockServer
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	return &MockTwitchServer{MockServer: newMockServer(t)}
}

// MockUserResponse adds a handler for /helix/users
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// MockStreamsResponse adds a handler for /helix/streams that reports the
// given user ids as live, filtered by the user_id query parameters.
func (m *MockTwitchServer) MockStreamsResponse(liveUserIDs ...string) {
	live := make(map[string]bool, len(liveUserIDs))
	for _, id := range liveUserIDs {
		live[id] = true
	}
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, id := range r.URL.Query()["user_id"] {
			if live[id] {
				data = append(data, map[string]string{"id": "s-" + id, "user_id": id, "user_login": "login" + id, "type": "live"})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": map[string]string{}})
	})
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// MockTwitterServer mocks the profile banner endpoints and the OAuth2 token
// endpoint of the Twitter API.
type MockTwitterServer struct {
	*MockServer
}

const (
	TwitterUpdateBannerPath = "/1.1/account/update_profile_banner.json"
	TwitterRemoveBannerPath = "/1.1/account/remove_profile_banner.json"
	TwitterTokenPath        = "/2/oauth2/token"
)

// NewMockTwitterServer answers banner updates and removals with 200 until
// told otherwise.
func NewMockTwitterServer(t *testing.T) *MockTwitterServer {
	t.Helper()
	m := &MockTwitterServer{MockServer: newMockServer(t)}
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	m.Handle(TwitterUpdateBannerPath, ok)
	m.Handle(TwitterRemoveBannerPath, ok)
	return m
}

// FailBanner makes banner updates answer status with a Twitter style error body.
func (m *MockTwitterServer) FailBanner(status int, code int, message string) {
	m.Handle(TwitterUpdateBannerPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]any{
			"errors": []map[string]any{{"code": code, "message": message}},
		})
	})
}

// MockTokenResponse answers refresh_token grants with the given tokens.
func (m *MockTwitterServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle(TwitterTokenPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         "users.read tweet.read offline.access",
		})
	})
}
