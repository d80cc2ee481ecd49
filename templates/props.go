package templates

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxHeadlineRunes = 80
	maxTextScale     = 12
	maxDimPercent    = 90
)

// ColorProps fills the canvas with one colour.
type ColorProps struct {
	Color string `json:"color"`
}

func (p ColorProps) Validate() error {
	_, err := parseHexColor(p.Color)
	return err
}

// GradientProps draws a two-stop linear gradient.
type GradientProps struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction,omitempty"` // horizontal (default) | vertical
}

func (p GradientProps) Validate() error {
	if _, err := parseHexColor(p.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if _, err := parseHexColor(p.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	switch p.Direction {
	case "", "horizontal", "vertical":
		return nil
	default:
		return fmt.Errorf("direction %q must be horizontal or vertical", p.Direction)
	}
}

// ImageProps covers the canvas with a user supplied image.
type ImageProps struct {
	Image string `json:"image"`         // base64 PNG or JPEG
	Dim   int    `json:"dim,omitempty"` // percent of black overlay, 0-90
}

func (p ImageProps) Validate() error {
	if p.Image == "" {
		return errors.New("image is required")
	}
	if p.Dim < 0 || p.Dim > maxDimPercent {
		return fmt.Errorf("dim %d out of range 0-%d", p.Dim, maxDimPercent)
	}
	return checkImage(p.Image)
}

// ImLiveProps is the "I'm live" overlay: optional round avatar, headline and
// an optional arrow.
type ImLiveProps struct {
	Text      string `json:"text,omitempty"`
	TextColor string `json:"textColor,omitempty"`
	Avatar    string `json:"avatar,omitempty"` // base64 PNG or JPEG
	Arrow     bool   `json:"arrow,omitempty"`
	Scale     int    `json:"scale,omitempty"`
}

func (p ImLiveProps) Validate() error {
	if !utf8.ValidString(p.Text) {
		return errors.New("text is not valid utf-8")
	}
	if n := utf8.RuneCountInString(p.Text); n > maxHeadlineRunes {
		return fmt.Errorf("text has %d characters, max %d", n, maxHeadlineRunes)
	}
	if p.TextColor != "" {
		if _, err := parseHexColor(p.TextColor); err != nil {
			return fmt.Errorf("textColor: %w", err)
		}
	}
	if p.Scale < 0 || p.Scale > maxTextScale {
		return fmt.Errorf("scale %d out of range 0-%d", p.Scale, maxTextScale)
	}
	if p.Avatar != "" {
		if err := checkImage(p.Avatar); err != nil {
			return fmt.Errorf("avatar: %w", err)
		}
	}
	return nil
}

// BlankProps takes no fields.
type BlankProps struct{}

func (BlankProps) Validate() error { return nil }

// parseHexColor accepts #rrggbb and #rrggbbaa.
func parseHexColor(s string) (color.NRGBA, error) {
	if !strings.HasPrefix(s, "#") || (len(s) != 7 && len(s) != 9) {
		return color.NRGBA{}, fmt.Errorf("colour %q must look like #rrggbb or #rrggbbaa", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	if len(s) == 7 {
		v = v<<8 | 0xff
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
