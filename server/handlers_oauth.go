package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-banner/telemetry"
)

const oauthStateTTL = 10 * time.Minute

// HandleTwitterOAuthStart redirects a user to Twitter to connect their account.
// The user id comes from the "user" query parameter.
func (h *Handlers) HandleTwitterOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Twitter == nil {
		http.Error(w, "twitter oauth not configured (need TWITTER_CLIENT_ID + TWITTER_REDIRECT_URI)", http.StatusServiceUnavailable)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	verifier := oauth2.GenerateVerifier()
	if !h.addOAuthState(st, oauthState{userID: user, verifier: verifier, expiry: time.Now().Add(oauthStateTTL)}) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.Twitter.AuthCodeURL(st, verifier), http.StatusFound)
}

// HandleTwitterOAuthCallback exchanges the authorization code and stores the tokens.
func (h *Handlers) HandleTwitterOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Twitter == nil {
		http.Error(w, "twitter oauth not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	pending, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	tok, err := h.deps.Twitter.Exchange(r.Context(), pending.userID, code, pending.verifier)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("twitter oauth exchange failed", slog.String("user", pending.userID), slog.Any("err", err), slog.String("component", "oauth"))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("twitter account connected", slog.String("user", pending.userID), slog.String("component", "oauth"))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"user_id":               pending.userID,
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
	})
}
