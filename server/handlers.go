package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/lifecycle"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/templates"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	maxBodyBytes   = 1 << 20
	// settings carry base64 images
	maxSettingsBytes = 8 << 20
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps

	stateMu    sync.Mutex
	stateStore map[string]oauthState
}

type oauthState struct {
	userID   string
	verifier string
	expiry   time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, stateStore: make(map[string]oauthState)}
}

// addOAuthState stores a pending authorization, dropping expired ones first.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(key string, st oauthState) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		now := time.Now()
		for k, v := range h.stateStore {
			if now.After(v.expiry) {
				delete(h.stateStore, k)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[key] = st
	return true
}

// takeOAuthState removes and returns a pending authorization if it has not expired.
func (h *Handlers) takeOAuthState(key string) (oauthState, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[key]
	delete(h.stateStore, key)
	if !ok || time.Now().After(st.expiry) {
		return oauthState{}, false
	}
	return st, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response failed", slog.Any("err", err), slog.String("component", "http"))
	}
}

// statusFor maps domain errors onto HTTP statuses. Retryable failures answer
// 503 so EventSub redelivers.
func statusFor(err error) int {
	var perr *lifecycle.PublishError
	switch {
	case errors.Is(err, templates.ErrUnknownTemplate),
		errors.Is(err, templates.ErrInvalidRenderProps),
		errors.Is(err, imagestore.ErrInvalidImagePayload),
		errors.Is(err, feature.ErrUnknownKind):
		return http.StatusBadRequest
	case lifecycle.IsRetryable(err) && !errors.As(err, &perr):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.deps.Config.LockWait.Seconds())+1))
	}
	if status >= 500 {
		telemetry.LoggerWithCorr(r.Context()).Warn("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err), slog.String("component", "http"))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
