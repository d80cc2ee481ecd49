package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/onnwee/live-banner/testutil"
)

func newTestClient(t *testing.T, srv *testutil.MockTwitchServer) *HelixClient {
	t.Helper()
	srv.MockOAuthTokenResponse("app-token", 3600)
	return &HelixClient{
		AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/oauth2/token"},
		ClientID:       "cid",
		BaseURL:        srv.URL + "/helix",
	}
}

func TestTokenSourceCachesToken(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockOAuthTokenResponse("tok-1", 3600)
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/oauth2/token"}

	for range 3 {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %q", tok)
		}
	}
	if n := srv.RequestCount("/oauth2/token"); n != 1 {
		t.Fatalf("token requests = %d, want 1", n)
	}
	ts.Invalidate()
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := srv.RequestCount("/oauth2/token"); n != 2 {
		t.Fatalf("token requests after invalidate = %d, want 2", n)
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockOAuthTokenResponse("short", 30) // inside the expiry buffer
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/oauth2/token"}
	for range 2 {
		if _, err := ts.Get(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := srv.RequestCount("/oauth2/token"); n != 2 {
		t.Fatalf("token requests = %d, want 2", n)
	}
}

func TestTokenSourceMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error without client credentials")
	}
}

func TestGetUserID(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockUserResponse("12345", "streamer")
	hc := newTestClient(t, srv)

	id, err := hc.GetUserID(context.Background(), "streamer")
	if err != nil {
		t.Fatalf("GetUserID: %v", err)
	}
	if id != "12345" {
		t.Fatalf("id = %q", id)
	}
	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	if got := last.Header.Get("Client-Id"); got != "cid" {
		t.Errorf("Client-Id = %q", got)
	}
	if got := last.Header.Get("Authorization"); got != "Bearer app-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := last.URL.Query().Get("login"); got != "streamer" {
		t.Errorf("login = %q", got)
	}
}

func TestGetUserNotFound(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	srv.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[]}`)
	})
	_, err := hc.GetUserID(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestGetStreamsBatches(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	srv.MockStreamsResponse("3", "150", "249")

	streams, err := hc.GetStreams(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetStreams: %v", err)
	}
	if n := srv.RequestCount("/helix/streams"); n != 3 {
		t.Errorf("stream requests = %d, want 3", n)
	}
	got := map[string]bool{}
	for _, s := range streams {
		got[s.UserID] = true
	}
	for _, id := range []string{"3", "150", "249"} {
		if !got[id] {
			t.Errorf("stream for %s missing", id)
		}
	}
	if len(streams) != 3 {
		t.Errorf("len(streams) = %d, want 3", len(streams))
	}
}

func TestGetStreamsEmptyInput(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	streams, err := hc.GetStreams(context.Background(), nil)
	if err != nil || len(streams) != 0 {
		t.Fatalf("streams=%v err=%v", streams, err)
	}
	if n := srv.RequestCount("/helix/streams"); n != 0 {
		t.Fatalf("unexpected requests: %d", n)
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	var calls atomic.Int32
	srv.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"1","login":"a"}]}`)
	})
	id, err := hc.GetUserID(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetUserID: %v", err)
	}
	if id != "1" {
		t.Fatalf("id = %q", id)
	}
	if n := srv.RequestCount("/oauth2/token"); n != 2 {
		t.Fatalf("token requests = %d, want 2 (initial + refresh)", n)
	}
}

func TestServerErrorsRetried(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	var calls atomic.Int32
	srv.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":"s","user_id":"7","type":"live"}]}`)
	})
	streams, err := hc.GetStreams(context.Background(), []string{"7"})
	if err != nil {
		t.Fatalf("GetStreams: %v", err)
	}
	if len(streams) != 1 || calls.Load() != 3 {
		t.Fatalf("streams=%d calls=%d", len(streams), calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	srv.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"bad"}`, http.StatusBadRequest)
	})
	_, err := hc.GetStreams(context.Background(), []string{"1"})
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 StatusError", err)
	}
	if n := srv.RequestCount("/helix/streams"); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
}

func TestSubscribeStreamEventsToleratesConflict(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	hc := newTestClient(t, srv)
	var calls atomic.Int32
	srv.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"data":[{"id":"sub1","type":"stream.online","status":"webhook_callback_verification_pending"}]}`)
			return
		}
		http.Error(w, `{"message":"subscription already exists"}`, http.StatusConflict)
	})
	if err := hc.SubscribeStreamEvents(context.Background(), "42", "https://example.test/webhooks/twitch", "s3cretsecret"); err != nil {
		t.Fatalf("SubscribeStreamEvents: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}
