package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Token  string
	Body   string
}

type fakeAdmin struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeAdmin(t *testing.T, routes map[string]http.HandlerFunc) *fakeAdmin {
	t.Helper()
	f := &fakeAdmin{}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.RequestURI(), Token: r.Header.Get("X-Admin-Token"), Body: string(body)})
		f.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAdmin) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return recordedRequest{}
	}
	return f.requests[len(f.requests)-1]
}

func respondJSON(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func run(t *testing.T, f *fakeAdmin, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", f.srv.URL, "--token", "tok"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestFeaturesEnable(t *testing.T) {
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"PUT /admin/users/{user}/features/{kind}": respondJSON(map[string]any{"user_id": "42", "enabled": []string{"banner"}}),
	})
	out, err := run(t, f, "features", "enable", "42", "banner")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	req := f.last()
	if req.Method != http.MethodPut || req.Path != "/admin/users/42/features/banner" || req.Token != "tok" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(out, "42: banner") {
		t.Errorf("output = %q", out)
	}
}

func TestTransitionSendsForce(t *testing.T) {
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"POST /admin/users/{user}/transitions": respondJSON(map[string]any{
			"user_id": "42", "direction": "up", "phase": "live", "warnings": []string{"publish failed"},
		}),
	})
	tests := []struct {
		name      string
		args      []string
		wantForce bool
	}{
		{"default forced", []string{"transition", "42", "up"}, true},
		{"unforced", []string{"transition", "42", "up", "--force=false"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, f, tt.args...)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			var body struct {
				Direction string `json:"direction"`
				Force     bool   `json:"force"`
			}
			if err := json.Unmarshal([]byte(f.last().Body), &body); err != nil {
				t.Fatal(err)
			}
			if body.Direction != "up" || body.Force != tt.wantForce {
				t.Errorf("body = %+v", body)
			}
			if !strings.Contains(out, "applied") || !strings.Contains(out, "warning: publish failed") {
				t.Errorf("output = %q", out)
			}
		})
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"PUT /admin/users/{user}/features/{kind}": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"unknown feature kind \"confetti\""}`)
		},
	})
	_, err := run(t, f, "features", "enable", "42", "confetti")
	if err == nil || !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "confetti") {
		t.Fatalf("err = %v", err)
	}
}

func TestSettingsSetFromFile(t *testing.T) {
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"PUT /admin/users/{user}/settings": respondJSON(map[string]any{"foregroundId": "Blank"}),
	})
	path := filepath.Join(t.TempDir(), "settings.json")
	settings := `{"foregroundId":"Blank","backgroundId":"ColorBackground","backgroundProps":{"color":"#000000"}}`
	if err := os.WriteFile(path, []byte(settings), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, f, "settings", "set", "42", "-f", path); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.last().Body; got != settings {
		t.Errorf("body = %q", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, f, "settings", "set", "42", "-f", bad); err == nil {
		t.Fatal("expected invalid JSON to be rejected locally")
	}
}

func TestDeleteUserNeedsConfirmation(t *testing.T) {
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"DELETE /admin/users/{user}": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
	})
	if _, err := run(t, f, "delete-user", "42"); err == nil {
		t.Fatal("expected refusal without --yes")
	}
	if got := f.last(); got.Method != "" {
		t.Fatalf("request sent without confirmation: %+v", got)
	}
	out, err := run(t, f, "delete-user", "42", "--yes")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.last().Method != http.MethodDelete || !strings.Contains(out, "deleted 42") {
		t.Errorf("request = %+v, output = %q", f.last(), out)
	}
}

func TestHistoryJSONPassthrough(t *testing.T) {
	payload := map[string]any{"user_id": "42", "transitions": []map[string]any{{"id": "01J", "direction": "up", "outcome": "applied"}}}
	f := newFakeAdmin(t, map[string]http.HandlerFunc{
		"GET /admin/users/{user}/transitions": respondJSON(payload),
	})
	out, err := run(t, f, "--json", "history", "42", "-n", "5")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.last().Path != "/admin/users/42/transitions?limit=5" {
		t.Errorf("path = %q", f.last().Path)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
}

func TestUserPathEscapes(t *testing.T) {
	if got := userPath("a/b", "features", "banner"); got != "/admin/users/a%2Fb/features/banner" {
		t.Errorf("userPath = %q", got)
	}
}
