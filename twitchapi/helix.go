// Package twitchapi talks to the Twitch Helix API with an app access token:
// resolving users, checking who is live, and managing the EventSub
// subscriptions that drive banner transitions.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// maxIDsPerRequest is the Helix limit on repeated id query parameters.
const maxIDsPerRequest = 100

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("twitch user not found")

// HelixClient provides the Helix calls the banner service needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
	// MaxAttempts bounds retries of 429 and 5xx responses (default 3).
	MaxAttempts int
}

// StatusError is a non-2xx Helix response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix request failed: %d: %s", e.StatusCode, e.Body)
}

func (hc *HelixClient) httpClient() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// do sends one Helix request and decodes the JSON response into out. A 401
// drops the cached app token and tries once more; 429 and 5xx responses are
// retried with backoff.
func (hc *HelixClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	attempts := hc.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	refreshed := false
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		u := hc.baseURL() + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.httpClient().Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			refreshed = true
			hc.AppTokenSource.Invalidate()
			return struct{}{}, &StatusError{StatusCode: resp.StatusCode, Body: "unauthorized, refreshing app token"}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			serr := &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
			if reset := resp.Header.Get("Ratelimit-Reset"); reset != "" {
				if sec, perr := strconv.ParseInt(reset, 10, 64); perr == nil {
					if wait := time.Until(time.Unix(sec, 0)); wait > 0 && wait < 30*time.Second {
						return struct{}{}, backoff.RetryAfter(int(wait.Seconds()) + 1)
					}
				}
			}
			return struct{}{}, serr
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return struct{}{}, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: string(msg)})
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return struct{}{}, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode helix response: %w", err))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return err
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUser resolves a login name.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, errors.New("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	return u.ID, err
}

// Stream is a live stream as reported by Helix.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// GetStreams returns the live streams among userIDs, batching requests at the
// Helix limit. Users that are offline are simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(userIDs); start += maxIDsPerRequest {
		end := min(start+maxIDsPerRequest, len(userIDs))
		q := url.Values{"user_id": userIDs[start:end], "first": {strconv.Itoa(maxIDsPerRequest)}}
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.do(ctx, http.MethodGet, "/streams", q, nil, &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			if s.Type == "" || s.Type == "live" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// CreateEventSubSubscription subscribes callback to subType for broadcasterID
// over the webhook transport.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, callback, secret string) (Subscription, error) {
	req := map[string]any{
		"type":      subType,
		"version":   "1",
		"condition": map[string]string{"broadcaster_user_id": broadcasterID},
		"transport": map[string]string{"method": "webhook", "callback": callback, "secret": secret},
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, &body); err != nil {
		return Subscription{}, err
	}
	if len(body.Data) == 0 {
		return Subscription{}, errors.New("empty subscription response")
	}
	return body.Data[0], nil
}

// SubscribeStreamEvents creates the stream.online and stream.offline
// subscriptions for broadcasterID. A subscription that already exists (409) is
// not an error.
func (hc *HelixClient) SubscribeStreamEvents(ctx context.Context, broadcasterID, callback, secret string) error {
	for _, typ := range []string{SubscriptionStreamOnline, SubscriptionStreamOffline} {
		_, err := hc.CreateEventSubSubscription(ctx, typ, broadcasterID, callback, secret)
		var serr *StatusError
		if errors.As(err, &serr) && serr.StatusCode == http.StatusConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", typ, err)
		}
	}
	return nil
}
