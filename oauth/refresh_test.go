package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-banner/db"
	"github.com/onnwee/live-banner/testutil"
)

func TestRunOnceRefreshesOnlyExpiring(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	for _, tok := range []db.OAuthToken{
		{Provider: "twitter", UserID: "soon", AccessToken: "a1", RefreshToken: "r1", Expiry: time.Now().Add(5 * time.Minute)},
		{Provider: "twitter", UserID: "later", AccessToken: "a2", RefreshToken: "r2", Expiry: time.Now().Add(2 * time.Hour)},
		{Provider: "twitter", UserID: "norefresh", AccessToken: "a3", Expiry: time.Now().Add(time.Minute)},
		{Provider: "other", UserID: "soon", AccessToken: "a4", RefreshToken: "r4", Expiry: time.Now().Add(time.Minute)},
	} {
		if err := db.UpsertOAuthToken(ctx, database, tok); err != nil {
			t.Fatalf("seed %s/%s: %v", tok.Provider, tok.UserID, err)
		}
	}

	var mu sync.Mutex
	var seen []string
	r := &Refresher{
		DB:       database,
		Provider: "twitter",
		Window:   15 * time.Minute,
		Refresh: func(ctx context.Context, tok db.OAuthToken) (db.OAuthToken, error) {
			mu.Lock()
			seen = append(seen, tok.UserID)
			mu.Unlock()
			if tok.RefreshToken != "r1" {
				t.Errorf("refresh called with %q", tok.RefreshToken)
			}
			tok.AccessToken, tok.Expiry = "new", time.Now().Add(2*time.Hour)
			return tok, db.UpsertOAuthToken(ctx, database, tok)
		},
	}
	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || len(seen) != 1 || seen[0] != "soon" {
		t.Fatalf("refreshed=%d seen=%v", n, seen)
	}
	got, err := db.GetOAuthToken(ctx, database, "twitter", "soon")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "new" {
		t.Fatalf("access = %q", got.AccessToken)
	}
}

func TestRunOnceJoinsErrors(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		if err := db.UpsertOAuthToken(ctx, database, db.OAuthToken{Provider: "twitter", UserID: id, AccessToken: "a", RefreshToken: "r", Expiry: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	boom := errors.New("token endpoint down")
	calls := 0
	r := &Refresher{DB: database, Provider: "twitter", Refresh: func(ctx context.Context, tok db.OAuthToken) (db.OAuthToken, error) {
		calls++
		if tok.UserID == "u1" {
			return tok, boom
		}
		return tok, nil
	}}
	n, err := r.RunOnce(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if n != 1 || calls != 2 {
		t.Fatalf("refreshed=%d calls=%d", n, calls)
	}
}

func TestRunOnceWithoutFunc(t *testing.T) {
	r := &Refresher{Provider: "twitter"}
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error without refresh func")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	if err := db.UpsertOAuthToken(ctx, database, db.OAuthToken{Provider: "twitter", UserID: "u", AccessToken: "a", RefreshToken: "r", Expiry: time.Now()}); err != nil {
		t.Fatal(err)
	}
	r := &Refresher{DB: database, Provider: "twitter", Interval: 20 * time.Millisecond, Refresh: func(ctx context.Context, tok db.OAuthToken) (db.OAuthToken, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		return tok, nil
	}}
	r.Start(ctx)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never ran")
	}
	cancel()
}
