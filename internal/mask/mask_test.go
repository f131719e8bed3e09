package mask

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/geo"
)

func fullBox() (geo.Geometry, geo.BBox) {
	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: geo.CRSWGS84}
	return bb.Polygon(), bb
}

func TestRasterize_FullCoverIsOpaque(t *testing.T) {
	g, bb := fullBox()
	m := Rasterize(g, bb, 10, 10)
	if m.AlphaAt(5, 5).A != 0xff {
		t.Fatalf("center alpha = %d", m.AlphaAt(5, 5).A)
	}
	if m.AlphaAt(1, 8).A != 0xff {
		t.Fatalf("corner alpha = %d", m.AlphaAt(1, 8).A)
	}
}

func TestRasterize_EmptyGeometryIsTransparent(t *testing.T) {
	_, bb := fullBox()
	m := Rasterize(geo.Geometry{}, bb, 10, 10)
	for i, a := range m.Pix {
		if a != 0 {
			t.Fatalf("pixel %d alpha = %d", i, a)
		}
	}
}

func TestRasterize_HoleIsTransparent(t *testing.T) {
	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	g := geo.Geometry{SRID: geo.CRSWGS84, Polygons: []geo.Polygon{{
		Exterior: geo.Ring{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
		Holes:    []geo.Ring{{{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6}}},
	}}}
	m := Rasterize(g, bb, 100, 100)
	if m.AlphaAt(50, 50).A != 0 {
		t.Fatalf("hole center alpha = %d", m.AlphaAt(50, 50).A)
	}
	if m.AlphaAt(10, 10).A != 0xff {
		t.Fatalf("solid area alpha = %d", m.AlphaAt(10, 10).A)
	}
}

func TestKey_Identity(t *testing.T) {
	g, bb := fullBox()
	if Key(g, bb, 10, 10) != Key(g, bb, 10, 10) {
		t.Fatal("same inputs must produce the same key")
	}
	if Key(g, bb, 10, 10) == Key(g, bb, 20, 20) {
		t.Fatal("size must be part of the key")
	}
	other := geo.BBox{MinX: 1, MinY: 0, MaxX: 10, MaxY: 10}.Polygon()
	if Key(g, bb, 10, 10) == Key(other, bb, 10, 10) {
		t.Fatal("geometry must be part of the key")
	}
}

func TestStore_RedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	g, bb := fullBox()

	a, err := NewStore(context.Background(), mr.Addr(), 8, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer a.Close()
	first := a.Mask(context.Background(), g, bb, 10, 10)

	// a second store sees the mask through redis, not its own front cache
	b, err := NewStore(context.Background(), mr.Addr(), 8, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer b.Close()
	second := b.Mask(context.Background(), g, bb, 10, 10)
	if !bytes.Equal(first.Pix, second.Pix) {
		t.Fatal("masks must be identical across stores")
	}
}

func TestStore_WorksWithoutRedis(t *testing.T) {
	g, bb := fullBox()
	s, err := NewStore(context.Background(), "", 8, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m := s.Mask(context.Background(), g, bb, 10, 10)
	if m.AlphaAt(5, 5).A != 0xff {
		t.Fatal("mask without redis must still rasterize")
	}
}

func encodePNG(t *testing.T, c color.NRGBA, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := NewStore(context.Background(), "", 8, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewEngine(s, color.NRGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}, 0.05, 10, 30)
}

func TestApply_MasksOutsideAllowedArea(t *testing.T) {
	e := newTestEngine(t)
	red := color.NRGBA{R: 0xff, A: 0xff}
	src := encodePNG(t, red, 10, 10)

	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: geo.CRSWGS84}
	leftHalf := geo.BBox{MinX: 0, MinY: 0, MaxX: 5, MaxY: 10, SRID: geo.CRSWGS84}.Polygon()

	out, ct, err := e.Apply(context.Background(), src, "image/png", leftHalf, bb, 10, 10, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ct != "image/png" {
		t.Fatalf("content type = %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, _, _, _ := img.At(2, 5).RGBA()
	if r>>8 != 0xff {
		t.Fatalf("allowed half must stay red, r = %d", r>>8)
	}
	r, g, b, _ := img.At(8, 5).RGBA()
	if r>>8 != 0x88 || g>>8 != 0x88 || b>>8 != 0x88 {
		t.Fatalf("masked half must be the blocked color, got %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestApply_FullyMaskedWithCaption(t *testing.T) {
	e := newTestEngine(t)
	src := encodePNG(t, color.NRGBA{B: 0xff, A: 0xff}, 120, 120)
	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: geo.CRSWGS84}

	out, _, err := e.Apply(context.Background(), src, "image/png", geo.Geometry{}, bb, 120, 120, []string{"rivers"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	nonBlocked := 0
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r>>8 != 0x88 || g>>8 != 0x88 || b>>8 != 0x88 {
				nonBlocked++
			}
		}
	}
	if nonBlocked == 0 {
		t.Fatal("caption must be visible on a fully masked image")
	}
	// the source must not shine through anywhere
	for y := 0; y < 120; y++ {
		for x := 0; x < 120; x++ {
			_, _, b, _ := img.At(x, y).RGBA()
			if b>>8 == 0xff {
				t.Fatalf("source pixel leaked at %d,%d", x, y)
			}
		}
	}
}

func TestApply_RejectsNonImage(t *testing.T) {
	e := newTestEngine(t)
	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	if _, _, err := e.Apply(context.Background(), []byte("<ServiceExceptionReport/>"), "text/xml", geo.Geometry{}, bb, 10, 10, nil); err == nil {
		t.Fatal("non image payloads must fail")
	}
}
