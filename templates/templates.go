// Package templates composes banner images from a background layer and a
// foreground layer.
//
// Templates are pure: the same ids and props always produce byte-identical
// PNG output. The set of templates is closed and resolved at startup from a
// static registry; requests naming an unknown id are rejected before any
// rendering happens, and so are requests whose props fail to decode or
// validate.
//
// Composition order is fixed. The foreground renders on its own into a
// transparent layer the size of the banner, then the background renders its
// canvas and embeds that layer as its child.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"slices"
)

var (
	// ErrUnknownTemplate is returned when a background or foreground id is not registered.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrInvalidRenderProps is returned when props cannot be decoded or fail validation.
	ErrInvalidRenderProps = errors.New("invalid render props")
)

// BannerSize is the Twitter profile banner size in pixels.
var BannerSize = image.Pt(1500, 500)

// BackgroundID names a registered background template.
type BackgroundID string

// ForegroundID names a registered foreground template.
type ForegroundID string

const (
	BackgroundColor    BackgroundID = "ColorBackground"
	BackgroundGradient BackgroundID = "GradientBackground"
	BackgroundImage    BackgroundID = "ImageBackground"

	ForegroundImLive ForegroundID = "ImLive"
	ForegroundBlank  ForegroundID = "Blank"
)

// RenderRequest is built per transition and consumed once.
type RenderRequest struct {
	UserID          string
	ForegroundID    ForegroundID
	BackgroundID    BackgroundID
	ForegroundProps json.RawMessage
	BackgroundProps json.RawMessage
}

// RenderedImage is an encoded composite.
type RenderedImage struct {
	Data   []byte
	Format string
}

// BackgroundFunc draws a full canvas of the given size with child embedded.
type BackgroundFunc func(size image.Point, child image.Image) (*image.RGBA, error)

// ForegroundFunc draws a transparent layer of the given size.
type ForegroundFunc func(size image.Point) (*image.RGBA, error)

// Background is a background template. Bind decodes and validates props and
// returns a render step bound to them.
type Background interface {
	Bind(raw json.RawMessage) (BackgroundFunc, error)
}

// Foreground is a foreground template.
type Foreground interface {
	Bind(raw json.RawMessage) (ForegroundFunc, error)
}

// Registry maps template ids to their implementations.
type Registry struct {
	backgrounds map[BackgroundID]Background
	foregrounds map[ForegroundID]Foreground
}

// DefaultRegistry returns the built-in templates.
func DefaultRegistry() *Registry {
	return &Registry{
		backgrounds: map[BackgroundID]Background{
			BackgroundColor:    backgroundTemplate[ColorProps](renderColor),
			BackgroundGradient: backgroundTemplate[GradientProps](renderGradient),
			BackgroundImage:    backgroundTemplate[ImageProps](renderImage),
		},
		foregrounds: map[ForegroundID]Foreground{
			ForegroundImLive: foregroundTemplate[ImLiveProps](renderImLive),
			ForegroundBlank:  foregroundTemplate[BlankProps](renderBlank),
		},
	}
}

// Backgrounds lists registered background ids in sorted order.
func (r *Registry) Backgrounds() []BackgroundID {
	ids := make([]BackgroundID, 0, len(r.backgrounds))
	for id := range r.backgrounds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Foregrounds lists registered foreground ids in sorted order.
func (r *Registry) Foregrounds() []ForegroundID {
	ids := make([]ForegroundID, 0, len(r.foregrounds))
	for id := range r.foregrounds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Lookup resolves both ids or fails with ErrUnknownTemplate.
func (r *Registry) Lookup(fg ForegroundID, bg BackgroundID) (Foreground, Background, error) {
	f, ok := r.foregrounds[fg]
	if !ok {
		return nil, nil, fmt.Errorf("%w: foreground %q", ErrUnknownTemplate, fg)
	}
	b, ok := r.backgrounds[bg]
	if !ok {
		return nil, nil, fmt.Errorf("%w: background %q", ErrUnknownTemplate, bg)
	}
	return f, b, nil
}

// Composer renders RenderRequests against a registry.
type Composer struct {
	registry *Registry
	size     image.Point
}

// NewComposer returns a composer producing BannerSize images.
func NewComposer(r *Registry) *Composer {
	if r == nil {
		r = DefaultRegistry()
	}
	return &Composer{registry: r, size: BannerSize}
}

// Registry returns the templates the composer resolves against.
func (c *Composer) Registry() *Registry { return c.registry }

// Plan is a validated request, ready to render.
type Plan struct {
	size image.Point
	fg   ForegroundFunc
	bg   BackgroundFunc
}

// Prepare resolves ids and binds props without rendering anything.
func (c *Composer) Prepare(req RenderRequest) (*Plan, error) {
	fg, bg, err := c.registry.Lookup(req.ForegroundID, req.BackgroundID)
	if err != nil {
		return nil, err
	}
	fgFn, err := fg.Bind(req.ForegroundProps)
	if err != nil {
		return nil, fmt.Errorf("foreground %s: %w", req.ForegroundID, err)
	}
	bgFn, err := bg.Bind(req.BackgroundProps)
	if err != nil {
		return nil, fmt.Errorf("background %s: %w", req.BackgroundID, err)
	}
	return &Plan{size: c.size, fg: fgFn, bg: bgFn}, nil
}

// Render draws the foreground, hands it to the background and encodes the
// result as a stamped PNG.
func (p *Plan) Render(ctx context.Context) (RenderedImage, error) {
	if err := ctx.Err(); err != nil {
		return RenderedImage{}, err
	}
	layer, err := p.fg(p.size)
	if err != nil {
		return RenderedImage{}, err
	}
	canvas, err := p.bg(p.size, layer)
	if err != nil {
		return RenderedImage{}, err
	}
	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(&buf, canvas); err != nil {
		return RenderedImage{}, fmt.Errorf("encode png: %w", err)
	}
	return RenderedImage{Data: stampComposite(buf.Bytes()), Format: "png"}, nil
}

// Compose is Prepare followed by Render.
func (c *Composer) Compose(ctx context.Context, req RenderRequest) (RenderedImage, error) {
	plan, err := c.Prepare(req)
	if err != nil {
		return RenderedImage{}, err
	}
	return plan.Render(ctx)
}

// Props is implemented by every template props struct.
type Props interface {
	Validate() error
}

type backgroundTemplate[P Props] func(p P, size image.Point, child image.Image) (*image.RGBA, error)

func (t backgroundTemplate[P]) Bind(raw json.RawMessage) (BackgroundFunc, error) {
	p, err := decodeProps[P](raw)
	if err != nil {
		return nil, err
	}
	return func(size image.Point, child image.Image) (*image.RGBA, error) {
		return t(p, size, child)
	}, nil
}

type foregroundTemplate[P Props] func(p P, size image.Point) (*image.RGBA, error)

func (t foregroundTemplate[P]) Bind(raw json.RawMessage) (ForegroundFunc, error) {
	p, err := decodeProps[P](raw)
	if err != nil {
		return nil, err
	}
	return func(size image.Point) (*image.RGBA, error) {
		return t(p, size)
	}, nil
}

func decodeProps[P Props](raw json.RawMessage) (P, error) {
	var p P
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidRenderProps, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidRenderProps, err)
	}
	return p, nil
}
