package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/onnwee/live-banner/crypto"
	"github.com/onnwee/live-banner/db"
	"github.com/onnwee/live-banner/testutil"
)

func newKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	kr, err := crypto.NewKeyring(base64.StdEncoding.EncodeToString(b))
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

func TestKeyCountDescribe(t *testing.T) {
	tests := []struct {
		in   keyCount
		want string
	}{
		{keyCount{Version: 0}, "plaintext"},
		{keyCount{Version: 1, KeyID: "abc"}, "encrypted (AES-256-GCM)"},
		{keyCount{Version: 7}, "unknown version 7"},
	}
	for _, tt := range tests {
		if got := tt.in.describe(); got != tt.want {
			t.Errorf("describe(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRotatePlaintextTokens(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	db.SetKeyring(nil)
	t.Cleanup(func() { db.SetKeyring(nil) })
	for _, user := range []string{"1", "2"} {
		if err := db.UpsertOAuthToken(ctx, database, db.OAuthToken{Provider: "twitter", UserID: user, AccessToken: "a" + user, RefreshToken: "r" + user, Expiry: time.Now().Add(time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := storageStatus(ctx, database)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Version != 0 || counts[0].Count != 2 {
		t.Fatalf("status before rotation = %+v", counts)
	}

	kr := newKeyring(t)
	db.SetKeyring(kr)

	if err := rotate(ctx, database, true); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	counts, _ = storageStatus(ctx, database)
	if counts[0].Version != 0 {
		t.Fatal("dry run changed rows")
	}

	if err := rotate(ctx, database, false); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	counts, err = storageStatus(ctx, database)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Version != 1 || counts[0].KeyID != kr.PrimaryKeyID() || counts[0].Count != 2 {
		t.Fatalf("status after rotation = %+v", counts)
	}
	tok, err := db.GetOAuthToken(ctx, database, "twitter", "2")
	if err != nil || tok.AccessToken != "a2" {
		t.Errorf("token after rotation = %+v, %v", tok, err)
	}
}
