package templates

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultHeadline  = "I'm live on Twitch!"
	defaultTextScale = 6
	layoutGap        = 40
	layoutMargin     = 60
)

var defaultTextColor = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

func renderBlank(_ BlankProps, size image.Point) (*image.RGBA, error) {
	return image.NewRGBA(image.Rectangle{Max: size}), nil
}

// renderImLive lays out [avatar] headline [arrow] on one centred row.
func renderImLive(p ImLiveProps, size image.Point) (*image.RGBA, error) {
	layer := image.NewRGBA(image.Rectangle{Max: size})

	text := p.Text
	if text == "" {
		text = defaultHeadline
	}
	textColor := defaultTextColor
	if p.TextColor != "" {
		c, err := parseHexColor(p.TextColor)
		if err != nil {
			return nil, err
		}
		textColor = c
	}

	var avatar image.Image
	diameter := 0
	if p.Avatar != "" {
		img, err := decodeImage(p.Avatar)
		if err != nil {
			return nil, err
		}
		avatar = img
		diameter = size.Y * 3 / 5
	}

	glyphs := rasterizeText(text, textColor)
	scale := p.Scale
	if scale == 0 {
		scale = defaultTextScale
	}
	arrowW := func(s int) int {
		if !p.Arrow {
			return 0
		}
		return layoutGap + glyphs.Bounds().Dy()*s
	}
	avatarW := 0
	if avatar != nil {
		avatarW = diameter + layoutGap
	}
	// shrink the headline until the row fits
	for scale > 1 && avatarW+glyphs.Bounds().Dx()*scale+arrowW(scale) > size.X-2*layoutMargin {
		scale--
	}

	textW, textH := glyphs.Bounds().Dx()*scale, glyphs.Bounds().Dy()*scale
	total := avatarW + textW + arrowW(scale)
	x := (size.X - total) / 2
	midY := size.Y / 2

	if avatar != nil {
		disc := image.NewRGBA(image.Rect(0, 0, diameter, diameter))
		drawCover(disc, disc.Bounds(), avatar)
		r := image.Rect(x, midY-diameter/2, x+diameter, midY-diameter/2+diameter)
		mask := &circleMask{p: image.Pt(diameter/2, diameter/2), r: diameter / 2}
		draw.DrawMask(layer, r, disc, image.Point{}, mask, image.Point{}, draw.Over)
		x += avatarW
	}

	textRect := image.Rect(x, midY-textH/2, x+textW, midY-textH/2+textH)
	xdraw.NearestNeighbor.Scale(layer, textRect, glyphs, glyphs.Bounds(), xdraw.Over, nil)
	x += textW

	if p.Arrow {
		x += layoutGap
		arrowH := textH
		fillTriangle(layer, image.Rect(x, midY-arrowH/2, x+arrowH, midY-arrowH/2+arrowH), textColor)
	}
	return layer, nil
}

// rasterizeText draws text at the bitmap font's native size.
func rasterizeText(text string, c color.Color) *image.RGBA {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	if w == 0 {
		w = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, face.Height))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(text)
	return img
}
