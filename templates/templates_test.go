package templates

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/onnwee/live-banner/imagestore"
)

func solidPNG(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return string(imagestore.Encode(buf.Bytes()))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestComposeDeterministic(t *testing.T) {
	c := NewComposer(DefaultRegistry())
	req := RenderRequest{
		UserID:          "u1",
		ForegroundID:    ForegroundImLive,
		BackgroundID:    BackgroundGradient,
		ForegroundProps: mustJSON(t, ImLiveProps{Text: "LIVE NOW", TextColor: "#ffcc00", Arrow: true, Avatar: solidPNG(t, 40, 40, color.RGBA{R: 200, A: 255})}),
		BackgroundProps: mustJSON(t, GradientProps{From: "#6441a5", To: "#1da1f2"}),
	}
	a, err := c.Compose(context.Background(), req)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	b, err := c.Compose(context.Background(), req)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) {
		t.Fatal("identical requests produced different bytes")
	}
	if a.Format != "png" {
		t.Errorf("Format = %q, want png", a.Format)
	}
}

func TestComposeOutputIsStampedBannerPNG(t *testing.T) {
	c := NewComposer(nil)
	out, err := c.Compose(context.Background(), RenderRequest{
		ForegroundID:    ForegroundBlank,
		BackgroundID:    BackgroundColor,
		BackgroundProps: json.RawMessage(`{"color":"#112233"}`),
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !IsComposite(out.Data) {
		t.Error("rendered image should carry the composite marker")
	}
	if err := imagestore.ValidatePayload(imagestore.Encode(out.Data)); err != nil {
		t.Errorf("rendered image is not a valid payload: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("stamped PNG no longer decodes: %v", err)
	}
	if img.Bounds().Size() != BannerSize {
		t.Errorf("size = %v, want %v", img.Bounds().Size(), BannerSize)
	}
	r, g, b, _ := img.At(10, 10).RGBA()
	if r>>8 != 0x11 || g>>8 != 0x22 || b>>8 != 0x33 {
		t.Errorf("background pixel = %02x%02x%02x, want 112233", r>>8, g>>8, b>>8)
	}
}

func TestForegroundOverlaysBackground(t *testing.T) {
	c := NewComposer(nil)
	out, err := c.Compose(context.Background(), RenderRequest{
		ForegroundID:    ForegroundImLive,
		BackgroundID:    BackgroundColor,
		ForegroundProps: json.RawMessage(`{"avatar":"` + solidPNG(t, 10, 10, color.RGBA{G: 255, A: 255}) + `"}`),
		BackgroundProps: json.RawMessage(`{"color":"#000000"}`),
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatal(err)
	}
	// the avatar disc is vertically centred; scan the middle row for green
	found := false
	for x := 0; x < BannerSize.X; x++ {
		r, g, _, _ := img.At(x, BannerSize.Y/2).RGBA()
		if r>>8 < 50 && g>>8 > 200 {
			found = true
			break
		}
	}
	if !found {
		t.Error("foreground avatar not visible over background")
	}
}

func TestComposeUnknownTemplate(t *testing.T) {
	c := NewComposer(nil)
	tests := []struct {
		name string
		req  RenderRequest
	}{
		{"foreground", RenderRequest{ForegroundID: "Nope", BackgroundID: BackgroundColor, BackgroundProps: json.RawMessage(`{"color":"#000000"}`)}},
		{"background", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: "Nope"}},
		{"empty ids", RenderRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compose(context.Background(), tt.req)
			if !errors.Is(err, ErrUnknownTemplate) {
				t.Fatalf("Compose = %v, want ErrUnknownTemplate", err)
			}
		})
	}
}

func TestPrepareRejectsInvalidProps(t *testing.T) {
	c := NewComposer(nil)
	tests := []struct {
		name string
		req  RenderRequest
	}{
		{"bad colour", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundColor, BackgroundProps: json.RawMessage(`{"color":"red"}`)}},
		{"missing colour", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundColor}},
		{"unknown field", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundColor, BackgroundProps: json.RawMessage(`{"color":"#000000","extra":1}`)}},
		{"wrong type", RenderRequest{ForegroundID: ForegroundImLive, BackgroundID: BackgroundColor, ForegroundProps: json.RawMessage(`{"text":42}`), BackgroundProps: json.RawMessage(`{"color":"#000000"}`)}},
		{"malformed json", RenderRequest{ForegroundID: ForegroundImLive, BackgroundID: BackgroundColor, ForegroundProps: json.RawMessage(`{`), BackgroundProps: json.RawMessage(`{"color":"#000000"}`)}},
		{"scale range", RenderRequest{ForegroundID: ForegroundImLive, BackgroundID: BackgroundColor, ForegroundProps: json.RawMessage(`{"scale":99}`), BackgroundProps: json.RawMessage(`{"color":"#000000"}`)}},
		{"gradient direction", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundGradient, BackgroundProps: json.RawMessage(`{"from":"#000000","to":"#ffffff","direction":"diagonal"}`)}},
		{"image not an image", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundImage, BackgroundProps: json.RawMessage(`{"image":"aGVsbG8="}`)}},
		{"image dim", RenderRequest{ForegroundID: ForegroundBlank, BackgroundID: BackgroundImage, BackgroundProps: mustJSON(t, ImageProps{Image: solidPNG(t, 2, 2, color.Black), Dim: 95})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := c.Prepare(tt.req)
			if !errors.Is(err, ErrInvalidRenderProps) {
				t.Fatalf("Prepare = %v, want ErrInvalidRenderProps", err)
			}
			if plan != nil {
				t.Error("no plan should be returned for invalid props")
			}
		})
	}
}

// resizedPNG rewrites the IHDR dimensions of a small valid PNG without
// touching its pixel data, so only the header claims the new size.
func resizedPNG(t *testing.T, w, h uint32) string {
	t.Helper()
	data, err := imagestore.Payload(solidPNG(t, 1, 1, color.Black)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc after 13 data bytes
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return string(imagestore.Encode(data))
}

func TestPrepareRejectsOversizedImages(t *testing.T) {
	c := NewComposer(nil)
	black := json.RawMessage(`{"color":"#000000"}`)
	tests := []struct {
		name string
		w, h uint32
	}{
		{"huge", 1 << 24, 1 << 24},
		{"too wide", maxImageSide + 1, 10},
		{"too many pixels", 6000, 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := resizedPNG(t, tt.w, tt.h)
			reqs := []RenderRequest{
				{ForegroundID: ForegroundImLive, BackgroundID: BackgroundColor, ForegroundProps: mustJSON(t, ImLiveProps{Avatar: img}), BackgroundProps: black},
				{ForegroundID: ForegroundBlank, BackgroundID: BackgroundImage, BackgroundProps: mustJSON(t, ImageProps{Image: img})},
			}
			for _, req := range reqs {
				if _, err := c.Prepare(req); !errors.Is(err, ErrInvalidRenderProps) {
					t.Errorf("Prepare(%s/%s) = %v, want ErrInvalidRenderProps", req.ForegroundID, req.BackgroundID, err)
				}
			}
			if _, err := decodeImage(img); !errors.Is(err, ErrInvalidRenderProps) {
				t.Errorf("decodeImage = %v, want ErrInvalidRenderProps", err)
			}
		})
	}
}

func TestPrepareAcceptsLargeButBoundedImage(t *testing.T) {
	c := NewComposer(nil)
	_, err := c.Prepare(RenderRequest{
		ForegroundID:    ForegroundBlank,
		BackgroundID:    BackgroundImage,
		BackgroundProps: mustJSON(t, ImageProps{Image: resizedPNG(t, 3000, 1000)}),
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
}

func TestImageBackgroundCoversCanvas(t *testing.T) {
	c := NewComposer(nil)
	out, err := c.Compose(context.Background(), RenderRequest{
		ForegroundID:    ForegroundBlank,
		BackgroundID:    BackgroundImage,
		BackgroundProps: mustJSON(t, ImageProps{Image: solidPNG(t, 30, 10, color.RGBA{B: 255, A: 255}), Dim: 50}),
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range []image.Point{{1, 1}, {BannerSize.X - 2, BannerSize.Y - 2}, {BannerSize.X / 2, BannerSize.Y / 2}} {
		_, _, b, a := img.At(pt.X, pt.Y).RGBA()
		if a>>8 != 0xff || b>>8 < 100 || b>>8 > 150 {
			t.Errorf("pixel %v = b:%d a:%d, want dimmed opaque blue", pt, b>>8, a>>8)
		}
	}
}

func TestRegistryListsTemplates(t *testing.T) {
	r := DefaultRegistry()
	if got := r.Backgrounds(); len(got) != 3 || got[0] != BackgroundColor {
		t.Errorf("Backgrounds() = %v", got)
	}
	if got := r.Foregrounds(); len(got) != 2 || got[0] != ForegroundBlank {
		t.Errorf("Foregrounds() = %v", got)
	}
}

func TestParseHexColor(t *testing.T) {
	c, err := parseHexColor("#0a0b0c")
	if err != nil || c != (color.NRGBA{R: 10, G: 11, B: 12, A: 255}) {
		t.Errorf("parseHexColor(#0a0b0c) = %v, %v", c, err)
	}
	c, err = parseHexColor("#0a0b0c80")
	if err != nil || c.A != 0x80 {
		t.Errorf("parseHexColor with alpha = %v, %v", c, err)
	}
	for _, bad := range []string{"", "0a0b0c", "#abc", "#gggggg", "#0a0b0c0"} {
		if _, err := parseHexColor(bad); err == nil {
			t.Errorf("parseHexColor(%q) should fail", bad)
		}
	}
}

func TestIsComposite(t *testing.T) {
	plain := imagestore.Payload(solidPNG(t, 4, 4, color.White))
	data, _ := plain.Decode()
	if IsComposite(data) {
		t.Error("a plain PNG is not a composite")
	}
	if !IsComposite(stampComposite(data)) {
		t.Error("stamped PNG should be detected")
	}
	if _, err := png.Decode(bytes.NewReader(stampComposite(data))); err != nil {
		t.Errorf("stamped PNG must stay decodable: %v", err)
	}
	if IsComposite([]byte{0xff, 0xd8, 0xff}) {
		t.Error("jpeg is never a composite")
	}
}
