package templates

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // decoder for user supplied JPEG images
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/onnwee/live-banner/imagestore"
)

// decodeImage turns a base64 payload into an image. Only PNG and JPEG are accepted.
func decodeImage(b64 string) (image.Image, error) {
	data, err := imagestore.Payload(b64).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRenderProps, err)
	}
	if err := checkImageData(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRenderProps, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrInvalidRenderProps, err)
	}
	return img, nil
}

// Limits on user supplied images. The header is checked before any pixel
// buffer is allocated.
const (
	maxImageSide   = 8192
	maxImagePixels = 16 * 1500 * 500
)

// checkImage validates a base64 image by reading only its header.
func checkImage(b64 string) error {
	data, err := imagestore.Payload(b64).Decode()
	if err != nil {
		return err
	}
	return checkImageData(data)
}

func checkImageData(data []byte) error {
	if _, ok := imagestore.DetectFormat(data); !ok {
		return errors.New("image must be png or jpeg")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.New("image has no pixels")
	}
	if cfg.Width > maxImageSide || cfg.Height > maxImageSide || cfg.Width*cfg.Height > maxImagePixels {
		return fmt.Errorf("image is %dx%d, max %d per side and %d pixels", cfg.Width, cfg.Height, maxImageSide, maxImagePixels)
	}
	return nil
}

// drawCover scales src to cover dst entirely, cropping the overflow evenly.
func drawCover(dst draw.Image, dr image.Rectangle, src image.Image) {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	dw, dh := dr.Dx(), dr.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return
	}
	// crop the source to the destination aspect ratio
	cw, ch := sw, sh
	if sw*dh > sh*dw {
		cw = sh * dw / dh
	} else {
		ch = sw * dh / dw
	}
	x0 := sb.Min.X + (sw-cw)/2
	y0 := sb.Min.Y + (sh-ch)/2
	xdraw.ApproxBiLinear.Scale(dst, dr, src, image.Rect(x0, y0, x0+cw, y0+ch), xdraw.Over, nil)
}

// embedChild centres child on dst.
func embedChild(dst *image.RGBA, child image.Image) {
	if child == nil {
		return
	}
	cb := child.Bounds()
	off := image.Pt((dst.Bounds().Dx()-cb.Dx())/2, (dst.Bounds().Dy()-cb.Dy())/2)
	r := image.Rectangle{Min: off, Max: off.Add(cb.Size())}
	draw.Draw(dst, r, child, cb.Min, draw.Over)
}

// circleMask is an alpha mask for a disc of radius r centred on p.
type circleMask struct {
	p image.Point
	r int
}

func (c *circleMask) ColorModel() color.Model { return color.AlphaModel }

func (c *circleMask) Bounds() image.Rectangle {
	return image.Rect(c.p.X-c.r, c.p.Y-c.r, c.p.X+c.r, c.p.Y+c.r)
}

func (c *circleMask) At(x, y int) color.Color {
	xx, yy, rr := float64(x-c.p.X)+0.5, float64(y-c.p.Y)+0.5, float64(c.r)
	if xx*xx+yy*yy < rr*rr {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}

// fillTriangle draws a right-pointing triangle inside r.
func fillTriangle(dst *image.RGBA, r image.Rectangle, c color.Color) {
	h := r.Dy()
	if h == 0 {
		return
	}
	half := float64(h) / 2
	for y := 0; y < h; y++ {
		d := float64(y) + 0.5 - half
		if d < 0 {
			d = -d
		}
		w := int(float64(r.Dx()) * (1 - d/half))
		for x := 0; x < w; x++ {
			dst.Set(r.Min.X+x, r.Min.Y+y, c)
		}
	}
}

const (
	compositeKeyword = "Software"
	compositeMarker  = "live-banner composite"
	// 8 byte signature + IHDR chunk (length, type, 13 data bytes, crc)
	ihdrEnd = 8 + 4 + 4 + 13 + 4
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// stampComposite inserts a tEXt chunk after IHDR marking the PNG as produced
// by this package, so a composite sitting in the live bucket is never taken
// for a user's original.
func stampComposite(data []byte) []byte {
	if len(data) < ihdrEnd || !bytes.HasPrefix(data, pngSignature) {
		return data
	}
	text := append([]byte(compositeKeyword+"\x00"), compositeMarker...)
	chunk := make([]byte, 0, 12+len(text))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(text)))
	chunk = append(chunk, "tEXt"...)
	chunk = append(chunk, text...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, data[ihdrEnd:]...)
}

// IsComposite reports whether data is a PNG rendered by this package.
func IsComposite(data []byte) bool {
	if !bytes.HasPrefix(data, pngSignature) || len(data) < ihdrEnd {
		return false
	}
	return bytes.Contains(data[ihdrEnd:], []byte("tEXt"+compositeKeyword+"\x00"+compositeMarker))
}
