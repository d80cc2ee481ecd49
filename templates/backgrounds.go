package templates

import (
	"image"
	"image/color"
	"image/draw"
)

func renderColor(p ColorProps, size image.Point, child image.Image) (*image.RGBA, error) {
	c, err := parseHexColor(p.Color)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	embedChild(dst, child)
	return dst, nil
}

func renderGradient(p GradientProps, size image.Point, child image.Image) (*image.RGBA, error) {
	from, err := parseHexColor(p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseHexColor(p.To)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	vertical := p.Direction == "vertical"
	steps := size.X
	if vertical {
		steps = size.Y
	}
	for i := 0; i < steps; i++ {
		t := 0.0
		if steps > 1 {
			t = float64(i) / float64(steps-1)
		}
		band := image.Rect(i, 0, i+1, size.Y)
		if vertical {
			band = image.Rect(0, i, size.X, i+1)
		}
		draw.Draw(dst, band, image.NewUniform(lerp(from, to, t)), image.Point{}, draw.Src)
	}
	embedChild(dst, child)
	return dst, nil
}

func renderImage(p ImageProps, size image.Point, child image.Image) (*image.RGBA, error) {
	src, err := decodeImage(p.Image)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rectangle{Max: size})
	drawCover(dst, dst.Bounds(), src)
	if p.Dim > 0 {
		shade := color.NRGBA{A: uint8(p.Dim * 255 / 100)}
		draw.Draw(dst, dst.Bounds(), image.NewUniform(shade), image.Point{}, draw.Over)
	}
	embedChild(dst, child)
	return dst, nil
}

func lerp(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}
