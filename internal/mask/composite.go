package mask

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// Engine applies restriction masks to map images.
type Engine struct {
	store *Store

	// Blocked is the fill color of hidden areas.
	Blocked color.NRGBA
	// CaptionRatio scales the caption font with the image height.
	CaptionRatio float64
	// CaptionMin and CaptionMax clamp the caption font height in pixels.
	CaptionMin int
	CaptionMax int
}

// NewEngine builds a masking engine with the given cache store.
func NewEngine(store *Store, blocked color.NRGBA, ratio float64, minFont, maxFont int) *Engine {
	if ratio <= 0 {
		ratio = 0.05
	}
	if minFont <= 0 {
		minFont = 10
	}
	if maxFont <= 0 {
		maxFont = 30
	}
	return &Engine{store: store, Blocked: blocked, CaptionRatio: ratio, CaptionMin: minFont, CaptionMax: maxFont}
}

// Apply hides everything outside the allowed area and overlays one caption
// per hidden layer. The response format is preserved; the returned content
// type matches the encoding used.
func (e *Engine) Apply(ctx context.Context, data []byte, contentType string, allowed geo.Geometry, bb geo.BBox, width, height int, hiddenLayers []string) ([]byte, string, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &ogc.ParseError{Reason: "origin response is not a decodable image", Err: err}
	}
	b := src.Bounds()
	if b.Dx() != width || b.Dy() != height {
		// trust the actual image over the request parameters
		width, height = b.Dx(), b.Dy()
	}

	alpha := e.store.Mask(ctx, allowed, bb, width, height)

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	if format == "jpeg" {
		// JPEG has no alpha channel, flatten onto white first
		draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Over)

	blocked := e.Blocked
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			a := alpha.AlphaAt(x, y).A
			if a == 0xff {
				continue
			}
			if a == 0 {
				out.SetNRGBA(x, y, blocked)
				continue
			}
			// antialiased boundary, blend toward the blocked color
			c := out.NRGBAAt(x, y)
			inv := uint32(0xff - a)
			c.R = uint8((uint32(c.R)*uint32(a) + uint32(blocked.R)*inv) / 0xff)
			c.G = uint8((uint32(c.G)*uint32(a) + uint32(blocked.G)*inv) / 0xff)
			c.B = uint8((uint32(c.B)*uint32(a) + uint32(blocked.B)*inv) / 0xff)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}

	e.drawCaptions(out, hiddenLayers, height)

	return encode(out, format, contentType)
}

// drawCaptions stacks one "Access denied" line per hidden layer in the
// image center. The font grows with the image but is clamped, and shrinks
// further when many captions have to fit.
func (e *Engine) drawCaptions(dst *image.NRGBA, layers []string, height int) {
	if len(layers) == 0 {
		return
	}
	size := int(float64(height) * e.CaptionRatio)
	if size > e.CaptionMax {
		size = e.CaptionMax
	}
	if size < e.CaptionMin {
		size = e.CaptionMin
	}
	if total := size * 2 * len(layers); total > height && len(layers) > 0 {
		size = height / (2 * len(layers))
		if size < 4 {
			size = 4
		}
	}
	startY := (dst.Bounds().Dy() - size*2*len(layers)) / 2
	if startY < 0 {
		startY = 0
	}
	for i, layer := range layers {
		line := fmt.Sprintf("Access denied for '%s'", layer)
		e.drawLine(dst, line, startY+i*size*2, size)
	}
}

// drawLine renders one caption at the target pixel height by drawing with
// the bitmap face and scaling the result.
func (e *Engine) drawLine(dst *image.NRGBA, text string, y, size int) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	h := face.Metrics().Height.Ceil()
	if w == 0 || h == 0 {
		return
	}
	line := image.NewNRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{
		Dst:  line,
		Src:  image.NewUniform(color.NRGBA{R: 0xcc, G: 0x00, B: 0x00, A: 0xff}),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	scale := float64(size) / float64(h)
	outW := int(float64(w) * scale)
	if outW <= 0 {
		return
	}
	x := (dst.Bounds().Dx() - outW) / 2
	if x < 0 {
		x = 0
	}
	target := image.Rect(x, y, x+outW, y+size)
	xdraw.ApproxBiLinear.Scale(dst, target, line, line.Bounds(), xdraw.Over, nil)
}

func encode(img image.Image, format, contentType string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/gif", nil
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		ct := contentType
		if !strings.HasPrefix(ct, "image/png") {
			ct = "image/png"
		}
		return buf.Bytes(), ct, nil
	}
}

// ParseHexColor parses a #rrggbb or #rgb color string.
func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	var r, g, b uint8
	switch len(s) {
	case 6:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
			return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
		}
	case 3:
		if _, err := fmt.Sscanf(s, "%1x%1x%1x", &r, &g, &b); err != nil {
			return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
		}
		r, g, b = r*17, g*17, b*17
	default:
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}, nil
}
