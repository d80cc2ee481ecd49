package feature

import (
	"context"
	"encoding/json"
	"time"

	"github.com/onnwee/live-banner/templates"
)

// BannerSettings are the template ids and props a user renders with.
type BannerSettings struct {
	ForegroundID    templates.ForegroundID `json:"foregroundId"`
	BackgroundID    templates.BackgroundID `json:"backgroundId"`
	ForegroundProps json.RawMessage        `json:"foregroundProps,omitempty"`
	BackgroundProps json.RawMessage        `json:"backgroundProps,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt,omitzero"`
}

// DefaultSettings is used for users that never saved their own.
func DefaultSettings() BannerSettings {
	return BannerSettings{
		ForegroundID:    templates.ForegroundImLive,
		BackgroundID:    templates.BackgroundColor,
		ForegroundProps: json.RawMessage(`{}`),
		BackgroundProps: json.RawMessage(`{"color":"#6441a5"}`),
	}
}

// RenderRequest builds the composer input for userID.
func (s BannerSettings) RenderRequest(userID string) templates.RenderRequest {
	return templates.RenderRequest{
		UserID:          userID,
		ForegroundID:    s.ForegroundID,
		BackgroundID:    s.BackgroundID,
		ForegroundProps: s.ForegroundProps,
		BackgroundProps: s.BackgroundProps,
	}
}

// SettingsStore persists BannerSettings. Get returns DefaultSettings for a
// user that has none; the lifecycle engine only ever reads.
type SettingsStore interface {
	Get(ctx context.Context, userID string) (BannerSettings, error)
	Put(ctx context.Context, userID string, s BannerSettings) error
}

func normalizeProps(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
