// Package shareqr renders share links for a map view as QR code PNGs.
package shareqr

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"chronos-map/pkg/derived"
)

// Options tunes the rendered image.
type Options struct {
	// TargetPx is the output width and height.
	TargetPx int

	Fg   color.RGBA // modules
	Bg   color.RGBA // background and quiet zone
	Mark color.RGBA // centre reticle

	// MarkBoxFrac is the centre box size relative to the image, 0.15..0.30.
	MarkBoxFrac float64
}

// DefaultOptions matches the page's dark theme.
func DefaultOptions() Options {
	return Options{
		TargetPx:    720,
		Fg:          color.RGBA{0x0b, 0x0f, 0x14, 0xff},
		Bg:          color.RGBA{0xf5, 0xf5, 0xf4, 0xff},
		Mark:        color.RGBA{0xef, 0x44, 0x44, 0xff},
		MarkBoxFrac: 0.22,
	}
}

// ShareURL points base at the map filtered by f.  The all-years view drops
// the year parameter.
func ShareURL(base string, f derived.YearFilter) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse share base: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("share base %q is not absolute", base)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Del("year")
	if y, ok := f.Year(); ok {
		q.Set("year", strconv.Itoa(y))
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// EncodePNG writes a QR code for data with a reticle in the centre.
// Highest error correction keeps the code readable under the mark.
func EncodePNG(w io.Writer, data string, opt Options) error {
	def := DefaultOptions()
	if opt.TargetPx <= 0 {
		opt.TargetPx = def.TargetPx
	}
	if (opt.Fg == color.RGBA{}) {
		opt.Fg = def.Fg
	}
	if (opt.Bg == color.RGBA{}) {
		opt.Bg = def.Bg
	}
	if (opt.Mark == color.RGBA{}) {
		opt.Mark = def.Mark
	}
	switch {
	case opt.MarkBoxFrac <= 0:
		opt.MarkBoxFrac = def.MarkBoxFrac
	case opt.MarkBoxFrac < 0.15:
		opt.MarkBoxFrac = 0.15
	case opt.MarkBoxFrac > 0.30:
		opt.MarkBoxFrac = 0.30
	}

	qr, err := qrcode.New(data, qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.TargetPx)
	b := src.Bounds()
	W, H := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, W, H))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	box := int(opt.MarkBoxFrac * float64(min(W, H)))
	box -= box % 2
	cx, cy := W/2, H/2
	fillRect(dst, cx-box/2, cy-box/2, box, box, opt.Bg)
	drawReticle(dst, cx, cy, box, opt.Mark)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawReticle draws a ring with a centre dot and four ticks.
func drawReticle(dst *image.RGBA, cx, cy, box int, col color.RGBA) {
	half := box / 2
	rOuter := int(0.80 * float64(half))
	rInner := int(0.62 * float64(half))
	drawRing(dst, cx, cy, rInner, rOuter, col)
	fillCircle(dst, cx, cy, int(0.18*float64(half)), col)

	tick := max(box/24, 1)
	fillRect(dst, cx-tick/2, cy-half, tick, half-rOuter, col)
	fillRect(dst, cx-tick/2, cy+rOuter, tick, half-rOuter, col)
	fillRect(dst, cx-half, cy-tick/2, half-rOuter, tick, col)
	fillRect(dst, cx+rOuter, cy-tick/2, half-rOuter, tick, col)
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	r := image.Rect(x, y, x+w, y+h).Intersect(img.Bounds())
	draw.Draw(img, r, &image.Uniform{col}, image.Point{}, draw.Src)
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	drawRing(img, cx, cy, 0, r, col)
}

func drawRing(img *image.RGBA, cx, cy, ri, ro int, col color.RGBA) {
	if ro <= 0 || ro <= ri {
		return
	}
	b := img.Bounds()
	ro2, ri2 := ro*ro, ri*ri
	for y := max(cy-ro, b.Min.Y); y <= min(cy+ro, b.Max.Y-1); y++ {
		dy := y - cy
		span := int(math.Sqrt(float64(ro2 - dy*dy)))
		for x := max(cx-span, b.Min.X); x <= min(cx+span, b.Max.X-1); x++ {
			dx := x - cx
			if dx*dx+dy*dy >= ri2 {
				img.SetRGBA(x, y, col)
			}
		}
	}
}
