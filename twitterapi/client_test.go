package twitterapi

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"testing"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/testutil"
)

func pngPayload(t *testing.T) imagestore.Payload {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return imagestore.Encode(buf.Bytes())
}

func TestPublishUploadsBanner(t *testing.T) {
	srv := testutil.NewMockTwitterServer(t)
	var gotAuth, gotBanner string
	srv.Handle(testutil.TwitterUpdateBannerPath, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotBanner = r.PostForm.Get("banner")
		w.WriteHeader(http.StatusOK)
	})
	c := NewClient(srv.URL, StaticTokens("user-token"))
	img := pngPayload(t)

	if err := c.Publish(context.Background(), "u1", img); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotAuth != "Bearer user-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBanner != string(img) {
		t.Errorf("banner form field does not match payload")
	}
	if n := srv.RequestCount(testutil.TwitterRemoveBannerPath); n != 0 {
		t.Errorf("remove called %d times", n)
	}
}

func TestPublishEmptyRemovesBanner(t *testing.T) {
	srv := testutil.NewMockTwitterServer(t)
	c := NewClient(srv.URL, StaticTokens("t"))
	if err := c.Publish(context.Background(), "u1", imagestore.EmptyPayload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n := srv.RequestCount(testutil.TwitterRemoveBannerPath); n != 1 {
		t.Fatalf("remove requests = %d, want 1", n)
	}
	if n := srv.RequestCount(testutil.TwitterUpdateBannerPath); n != 0 {
		t.Fatalf("update requests = %d, want 0", n)
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	srv := testutil.NewMockTwitterServer(t)
	c := NewClient(srv.URL, StaticTokens("t"))
	err := c.Publish(context.Background(), "u1", imagestore.Payload("bm90IGFuIGltYWdl"))
	if !errors.Is(err, imagestore.ErrInvalidImagePayload) {
		t.Fatalf("err = %v, want ErrInvalidImagePayload", err)
	}
	if len(srv.Requests()) != 0 {
		t.Fatal("invalid payload reached the api")
	}
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      int
		permanent bool
	}{
		{"bad image", http.StatusUnprocessableEntity, 422, true},
		{"unauthorized", http.StatusUnauthorized, 89, true},
		{"rate limited", http.StatusTooManyRequests, 88, false},
		{"server error", http.StatusServiceUnavailable, 130, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewMockTwitterServer(t)
			srv.FailBanner(tt.status, tt.code, "nope")
			c := NewClient(srv.URL, StaticTokens("t"))

			err := c.Publish(context.Background(), "u1", pngPayload(t))
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.Code != tt.code || apiErr.Message != "nope" {
				t.Errorf("apiErr = %+v", apiErr)
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

type missingTokens struct{}

func (missingTokens) TokenSource(context.Context, string) (oauth2.TokenSource, error) {
	return nil, ErrNoToken
}

func TestPublishWithoutToken(t *testing.T) {
	srv := testutil.NewMockTwitterServer(t)
	c := NewClient(srv.URL, missingTokens{})
	if err := c.Publish(context.Background(), "u1", pngPayload(t)); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if len(srv.Requests()) != 0 {
		t.Fatal("request sent without a token")
	}
}
