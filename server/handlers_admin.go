package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-banner/db"
	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/lifecycle"
	"github.com/onnwee/live-banner/stream"
	"github.com/onnwee/live-banner/telemetry"
)

func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.PathValue("user")
	if user == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return "", false
	}
	return user, true
}

// HandleTemplates lists the registered template ids.
func (h *Handlers) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	reg := h.deps.Composer.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"foregrounds": reg.Foregrounds(),
		"backgrounds": reg.Backgrounds(),
	})
}

// HandleListFeatures returns the user's enabled feature kinds.
func (h *Handlers) HandleListFeatures(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	set, err := h.deps.Features.ListEnabled(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "enabled": set.Kinds()})
}

// HandleEnableFeature enables a feature kind. Idempotent.
func (h *Handlers) HandleEnableFeature(w http.ResponseWriter, r *http.Request) {
	h.toggleFeature(w, r, true)
}

// HandleDisableFeature disables a feature kind. Idempotent.
func (h *Handlers) HandleDisableFeature(w http.ResponseWriter, r *http.Request) {
	h.toggleFeature(w, r, false)
}

func (h *Handlers) toggleFeature(w http.ResponseWriter, r *http.Request, enable bool) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	kind, err := feature.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if enable {
		err = h.deps.Features.Enable(r.Context(), user, kind)
	} else {
		err = h.deps.Features.Disable(r.Context(), user, kind)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("feature toggled", slog.String("user", user), slog.String("kind", string(kind)), slog.Bool("enabled", enable), slog.String("component", "admin"))
	h.HandleListFeatures(w, r)
}

// HandleGetSettings returns the user's banner settings (defaults if none saved).
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	bs, err := h.deps.Settings.Get(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

// HandlePutSettings validates settings against the template registry and stores them.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var bs feature.BannerSettings
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&bs); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.deps.Composer.Prepare(bs.RenderRequest(user)); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.deps.Settings.Put(r.Context(), user, bs); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.HandleGetSettings(w, r)
}

// HandlePreview renders the user's current settings as PNG without touching
// any bucket.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	bs, err := h.deps.Settings.Get(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	img, err := h.deps.Composer.Compose(r.Context(), bs.RenderRequest(user))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+img.Format)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

type stateResponse struct {
	stream.State
	Enabled      []feature.Kind `json:"enabled"`
	RendersBusy  int            `json:"renders_active"`
	RendersLimit int            `json:"renders_limit"`
}

// HandleState returns the user's recorded phase and enabled features.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Stream.State(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	set, err := h.deps.Features.ListEnabled(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	active, limit := h.deps.Engine.RenderSlots()
	writeJSON(w, http.StatusOK, stateResponse{State: st, Enabled: set.Kinds(), RendersBusy: active, RendersLimit: limit})
}

type transitionRequest struct {
	Direction string `json:"direction"`
	// Force defaults to true: admin transitions re-run even when the phase matches.
	Force *bool `json:"force,omitempty"`
}

type transitionResponse struct {
	stream.Outcome
	Skipped      bool     `json:"skipped"`
	Reason       string   `json:"reason,omitempty"`
	BackupReused bool     `json:"backup_reused"`
	Warnings     []string `json:"warnings,omitempty"`
}

// HandleTransition runs an admin-triggered transition.
func (h *Handlers) HandleTransition(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	dir, err := lifecycle.ParseDirection(req.Direction)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := stream.Options{Force: req.Force == nil || *req.Force}
	out, err := h.deps.Stream.Transition(r.Context(), user, dir, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := transitionResponse{
		Outcome:      out,
		Skipped:      out.Result.Skipped,
		Reason:       out.Result.Reason,
		BackupReused: out.Result.BackupReused,
	}
	for _, warn := range out.Result.Warnings {
		resp.Warnings = append(resp.Warnings, warn.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTransitionHistory lists recent transitions, newest first.
func (h *Handlers) HandleTransitionHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	limit := min(max(parseIntQuery(r, "limit", 50), 1), 500)
	entries, err := h.deps.Stream.History(r.Context(), user, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []stream.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "transitions": entries})
}

// HandleSubscribe creates the stream.online/offline EventSub subscriptions for
// the user, pointing at this service's webhook.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	cfg := h.deps.Config
	if h.deps.Helix == nil || cfg.PublicBaseURL == "" || cfg.TwitchEventSubSecret == "" {
		http.Error(w, "eventsub subscriptions need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_EVENTSUB_SECRET and PUBLIC_BASE_URL", http.StatusServiceUnavailable)
		return
	}
	callback := cfg.PublicBaseURL + "/webhooks/twitch"
	if err := h.deps.Helix.SubscribeStreamEvents(r.Context(), user, callback, cfg.TwitchEventSubSecret); err != nil {
		h.writeError(w, r, fmt.Errorf("subscribe: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": user, "callback": callback})
}

// HandleDeleteUser removes everything stored for the user: images, phase,
// features, settings and tokens.
func (h *Handlers) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var errs []error
	if err := h.deps.Stream.Forget(ctx, user); err != nil {
		errs = append(errs, err)
	}
	if err := h.deps.Features.DeleteUser(ctx, user); err != nil {
		errs = append(errs, err)
	}
	if h.deps.DB != nil {
		if err := db.DeleteOAuthTokens(ctx, h.deps.DB, user); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.writeError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("user deleted", slog.String("user", user), slog.String("component", "admin"))
	w.WriteHeader(http.StatusNoContent)
}
