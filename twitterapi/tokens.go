package twitterapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-banner/db"
	"github.com/onnwee/live-banner/telemetry"
)

// Provider is the oauth_tokens provider key for Twitter tokens.
const Provider = "twitter"

// Endpoint is Twitter's OAuth2 (PKCE) endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://twitter.com/i/oauth2/authorize",
	TokenURL:  "https://api.twitter.com/2/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Scopes needed to change a profile banner and keep a refresh token.
var Scopes = []string{"users.read", "tweet.read", "offline.access"}

// ErrNoToken is returned when a user never connected their Twitter account.
var ErrNoToken = errors.New("no twitter token for user")

// TokenProvider hands out an oauth2.TokenSource per user.
type TokenProvider interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// DBTokens reads user tokens from the database and writes refreshed ones back.
type DBTokens struct {
	DB         *sql.DB
	OAuth      *oauth2.Config
	HTTPClient *http.Client
}

// NewOAuthConfig builds the oauth2 config for the Twitter app. tokenURL
// overrides the endpoint for tests and proxies.
func NewOAuthConfig(clientID, clientSecret, redirectURL, tokenURL string) *oauth2.Config {
	ep := Endpoint
	if tokenURL != "" {
		ep.TokenURL = tokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     ep,
		Scopes:       Scopes,
	}
}

func (d *DBTokens) ctx(ctx context.Context) context.Context {
	if d.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, d.HTTPClient)
	}
	return ctx
}

// TokenSource loads userID's token. The returned source refreshes through the
// Twitter token endpoint when the access token has expired and persists the
// result.
func (d *DBTokens) TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	row, err := db.GetOAuthToken(ctx, d.DB, Provider, userID)
	if errors.Is(err, db.ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, userID)
	}
	if err != nil {
		return nil, err
	}
	tok := toOAuth2(row)
	return &persistingSource{
		ctx:    ctx,
		tokens: d,
		row:    row,
		last:   tok.AccessToken,
		src:    d.OAuth.TokenSource(d.ctx(ctx), tok),
	}, nil
}

// Refresh forces a refresh of row and stores the new token.
func (d *DBTokens) Refresh(ctx context.Context, row db.OAuthToken) (db.OAuthToken, error) {
	if row.RefreshToken == "" {
		return row, errors.New("token has no refresh token")
	}
	tok := toOAuth2(row)
	tok.Expiry = time.Now().Add(-time.Minute)
	fresh, err := d.OAuth.TokenSource(d.ctx(ctx), tok).Token()
	if err != nil {
		telemetry.IncTokenRefresh(Provider, "error")
		return row, fmt.Errorf("refresh twitter token for %s: %w", row.UserID, err)
	}
	updated := merge(row, fresh)
	if err := db.UpsertOAuthToken(ctx, d.DB, updated); err != nil {
		telemetry.IncTokenRefresh(Provider, "error")
		return row, fmt.Errorf("persist twitter token for %s: %w", row.UserID, err)
	}
	telemetry.IncTokenRefresh(Provider, "ok")
	return updated, nil
}

// Save stores a token obtained from the authorization code exchange.
func (d *DBTokens) Save(ctx context.Context, userID string, tok *oauth2.Token) error {
	return db.UpsertOAuthToken(ctx, d.DB, merge(db.OAuthToken{Provider: Provider, UserID: userID}, tok))
}

// AuthCodeURL starts the PKCE authorization for a user.
func (d *DBTokens) AuthCodeURL(state, verifier string) string {
	return d.OAuth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code for tokens and stores them for userID.
func (d *DBTokens) Exchange(ctx context.Context, userID, code, verifier string) (*oauth2.Token, error) {
	tok, err := d.OAuth.Exchange(d.ctx(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if err := d.Save(ctx, userID, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

type persistingSource struct {
	ctx    context.Context
	tokens *DBTokens
	src    oauth2.TokenSource

	mu   sync.Mutex
	row  db.OAuthToken
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		telemetry.IncTokenRefresh(Provider, "error")
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.row = merge(s.row, tok)
		if err := db.UpsertOAuthToken(context.WithoutCancel(s.ctx), s.tokens.DB, s.row); err != nil {
			// the refreshed token is still usable for this request
			slog.Warn("persist refreshed twitter token failed", slog.String("user", s.row.UserID), slog.Any("err", err), slog.String("component", "twitterapi"))
		} else {
			telemetry.IncTokenRefresh(Provider, "ok")
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func toOAuth2(row db.OAuthToken) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       row.Expiry,
	}
}

// merge copies a fresh oauth2 token onto a row, keeping the old refresh token
// and scope when the endpoint omits them.
func merge(row db.OAuthToken, tok *oauth2.Token) db.OAuthToken {
	row.Provider = Provider
	row.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		row.RefreshToken = tok.RefreshToken
	}
	row.Expiry = tok.Expiry
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		row.Scope = scope
	}
	return row
}

// StaticTokens serves one fixed token for every user. Handy for local runs
// against a mock API.
type StaticTokens string

func (s StaticTokens) TokenSource(context.Context, string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(s), TokenType: "Bearer"}), nil
}
