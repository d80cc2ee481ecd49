// Package twitterapi publishes profile banners to Twitter on behalf of a user,
// using per-user OAuth2 tokens kept in the oauth_tokens table.
package twitterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/telemetry"
)

// DefaultBaseURL is the Twitter API root.
const DefaultBaseURL = "https://api.twitter.com"

const (
	updateBannerPath = "/1.1/account/update_profile_banner.json"
	removeBannerPath = "/1.1/account/remove_profile_banner.json"
)

// APIError is a non-2xx answer from Twitter.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twitter api %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("twitter api %d: %s", e.Status, e.Message)
}

// Permanent reports whether retrying the same request is pointless. Rate
// limiting and server errors are worth another try, other 4xx are not.
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Client publishes banners. It implements lifecycle.Publisher.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
}

// NewClient returns a client using tokens for authorization.
func NewClient(baseURL string, tokens TokenProvider) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Tokens:     tokens,
	}
}

// Publish uploads image as userID's profile banner. EmptyPayload removes the
// banner instead, which is how a user without an original gets restored.
func (c *Client) Publish(ctx context.Context, userID string, image imagestore.Payload) error {
	ctx, span := telemetry.StartSpan(ctx, "twitterapi", "Publish", telemetry.UserAttr(userID))
	defer span.End()

	ts, err := c.Tokens.TokenSource(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	tok, err := ts.Token()
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("twitter token for %s: %w", userID, err)
	}

	path, form := removeBannerPath, url.Values{}
	if !image.IsEmpty() {
		if err := imagestore.ValidatePayload(image); err != nil {
			return err
		}
		path = updateBannerPath
		form.Set("banner", string(image))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tok.SetAuthHeader(req)

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("twitter request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "twitterapi"))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		telemetry.SetSpanSuccess(span)
		return nil
	}
	apiErr := decodeError(resp)
	telemetry.RecordError(span, apiErr)
	return apiErr
}

func decodeError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var payload struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case len(payload.Errors) > 0:
			apiErr.Code, apiErr.Message = payload.Errors[0].Code, payload.Errors[0].Message
		case payload.Detail != "":
			apiErr.Message = payload.Detail
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsPermanent reports whether err carries a permanent APIError.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
