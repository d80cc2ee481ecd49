package server

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"testing"

	"github.com/onnwee/live-banner/config"
	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/stream"
	"github.com/onnwee/live-banner/templates"
)

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.AdminToken = "admin-token" })

	resp := ts.do(t, http.MethodGet, "/admin/templates", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/admin/templates", nil, http.Header{"X-Admin-Token": {"admin-token"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}
}

func TestAdminTemplates(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/admin/templates", nil, nil)
	got := decode[struct {
		Foregrounds []templates.ForegroundID `json:"foregrounds"`
		Backgrounds []templates.BackgroundID `json:"backgrounds"`
	}](t, resp)
	if len(got.Foregrounds) == 0 || len(got.Backgrounds) == 0 {
		t.Fatalf("templates = %+v", got)
	}
}

func TestAdminFeatures(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPut, "/admin/users/42/features/banner", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}
	got := decode[struct {
		Enabled []feature.Kind `json:"enabled"`
	}](t, resp)
	if len(got.Enabled) != 1 || got.Enabled[0] != feature.KindBanner {
		t.Fatalf("enabled = %v", got.Enabled)
	}

	resp = ts.do(t, http.MethodDelete, "/admin/users/42/features/banner", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	set, err := ts.features.ListEnabled(t.Context(), "42")
	if err != nil || set.Has(feature.KindBanner) {
		t.Fatalf("banner still enabled (err=%v)", err)
	}

	resp = ts.do(t, http.MethodPut, "/admin/users/42/features/confetti", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown kind status = %d", resp.StatusCode)
	}
}

func TestAdminSettings(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/admin/users/42/settings", nil, nil)
	got := decode[feature.BannerSettings](t, resp)
	if got.ForegroundID != feature.DefaultSettings().ForegroundID {
		t.Fatalf("default settings = %+v", got)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown template", `{"foregroundId":"Nope","backgroundId":"ColorBackground","backgroundProps":{"color":"#000000"}}`, http.StatusBadRequest},
		{"bad props", `{"foregroundId":"Blank","backgroundId":"ColorBackground","backgroundProps":{"color":"red"}}`, http.StatusBadRequest},
		{"unknown field", `{"foregroundId":"Blank","backgroundId":"ColorBackground","colour":"x"}`, http.StatusBadRequest},
		{"valid", `{"foregroundId":"Blank","backgroundId":"GradientBackground","backgroundProps":{"from":"#000000","to":"#ffffff"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPut, "/admin/users/42/settings", []byte(tt.body), http.Header{"Content-Type": {"application/json"}})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	stored, err := ts.features.Settings().Get(t.Context(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if stored.BackgroundID != templates.BackgroundGradient {
		t.Errorf("stored background = %s", stored.BackgroundID)
	}
}

func TestAdminPreview(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/admin/users/42/preview", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if cfg.Width != templates.BannerSize.X || cfg.Height != templates.BannerSize.Y {
		t.Errorf("preview is %dx%d", cfg.Width, cfg.Height)
	}
	if ts.gw.CallCount() != 0 {
		t.Errorf("preview touched the store %d times", ts.gw.CallCount())
	}
}

func TestAdminTransitionAndState(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "42")

	resp := ts.do(t, http.MethodPost, "/admin/users/42/transitions", []byte(`{"direction":"up"}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d", resp.StatusCode)
	}
	out := decode[struct {
		Phase     stream.Phase `json:"phase"`
		Duplicate bool         `json:"duplicate"`
		Skipped   bool         `json:"skipped"`
	}](t, resp)
	if out.Phase != stream.PhaseLive || out.Duplicate || out.Skipped {
		t.Fatalf("outcome = %+v", out)
	}

	// forced by default, so a second "up" runs again instead of being a duplicate
	resp = ts.do(t, http.MethodPost, "/admin/users/42/transitions", []byte(`{"direction":"up"}`), nil)
	out = decode[struct {
		Phase     stream.Phase `json:"phase"`
		Duplicate bool         `json:"duplicate"`
		Skipped   bool         `json:"skipped"`
	}](t, resp)
	if out.Duplicate {
		t.Fatal("admin transition should be forced by default")
	}
	if len(ts.pub.Calls()) != 2 {
		t.Errorf("publish calls = %d, want 2", len(ts.pub.Calls()))
	}

	resp = ts.do(t, http.MethodPost, "/admin/users/42/transitions", []byte(`{"direction":"up","force":false}`), nil)
	out = decode[struct {
		Phase     stream.Phase `json:"phase"`
		Duplicate bool         `json:"duplicate"`
		Skipped   bool         `json:"skipped"`
	}](t, resp)
	if !out.Duplicate {
		t.Fatal("unforced transition to the current phase should be a duplicate")
	}

	resp = ts.do(t, http.MethodGet, "/admin/users/42/state", nil, nil)
	state := decode[struct {
		Phase   stream.Phase   `json:"phase"`
		Enabled []feature.Kind `json:"enabled"`
	}](t, resp)
	if state.Phase != stream.PhaseLive || len(state.Enabled) != 1 {
		t.Fatalf("state = %+v", state)
	}

	resp = ts.do(t, http.MethodGet, "/admin/users/42/transitions?limit=10", nil, nil)
	hist := decode[struct {
		Transitions []stream.Entry `json:"transitions"`
	}](t, resp)
	if len(hist.Transitions) != 2 {
		t.Fatalf("history has %d entries, want 2", len(hist.Transitions))
	}

	resp = ts.do(t, http.MethodPost, "/admin/users/42/transitions", []byte(`{"direction":"sideways"}`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad direction status = %d", resp.StatusCode)
	}
}

func TestAdminSubscribeNotConfigured(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/admin/users/42/subscribe", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAdminDeleteUser(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, "42")
	if resp := ts.do(t, http.MethodPost, "/admin/users/42/transitions", []byte(`{"direction":"up"}`), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("transition status = %d", resp.StatusCode)
	}

	resp := ts.do(t, http.MethodDelete, "/admin/users/42", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	for _, bucket := range []string{ts.cfg.LiveBucket, ts.cfg.BackupBucket} {
		if _, err := ts.gw.Inner.Get(t.Context(), bucket, "42"); err == nil {
			t.Errorf("%s still holds an image", bucket)
		}
	}
	if ts.phase(t, "42") != stream.PhaseOffline {
		t.Error("phase should be reset")
	}
	set, err := ts.features.ListEnabled(t.Context(), "42")
	if err != nil || len(set) != 0 {
		t.Errorf("features not removed: %v (err=%v)", set.Kinds(), err)
	}
}
