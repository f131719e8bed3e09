// Package mask turns access restrictions into image masks and applies them
// to map responses.
package mask

import (
	"image"

	"golang.org/x/image/vector"

	"github.com/owsgate/owsgate/internal/geo"
)

// Rasterize renders the visible area of a restriction geometry into an
// alpha mask matching the requested image: opaque where the caller may see
// the map, transparent where it must be hidden. The geometry must be in the
// CRS of the bounding box.
func Rasterize(g geo.Geometry, bb geo.BBox, width, height int) *image.Alpha {
	r := vector.NewRasterizer(width, height)

	sx := float64(width) / bb.Width()
	sy := float64(height) / bb.Height()
	toPx := func(p geo.Point) (float32, float32) {
		return float32((p.X - bb.MinX) * sx), float32((bb.MaxY - p.Y) * sy)
	}

	for _, poly := range g.Polygons {
		// the rasterizer fills by non-zero winding, so holes must wind
		// opposite to their exterior
		addRing(r, orient(poly.Exterior, true), toPx)
		for _, hole := range poly.Holes {
			addRing(r, orient(hole, false), toPx)
		}
	}

	dst := image.NewAlpha(image.Rect(0, 0, width, height))
	r.Draw(dst, dst.Bounds(), image.Opaque, image.Point{})
	return dst
}

func addRing(r *vector.Rasterizer, ring geo.Ring, toPx func(geo.Point) (float32, float32)) {
	if len(ring) < 3 {
		return
	}
	x, y := toPx(ring[0])
	r.MoveTo(x, y)
	for _, p := range ring[1:] {
		x, y = toPx(p)
		r.LineTo(x, y)
	}
	r.ClosePath()
}

// orient returns the ring wound counter clockwise (ccw true) or clockwise.
func orient(ring geo.Ring, ccw bool) geo.Ring {
	if signedArea(ring) < 0 == ccw {
		rev := make(geo.Ring, len(ring))
		for i, p := range ring {
			rev[len(ring)-1-i] = p
		}
		return rev
	}
	return ring
}

func signedArea(ring geo.Ring) float64 {
	var sum float64
	for i, p := range ring {
		q := ring[(i+1)%len(ring)]
		sum += p.X*q.Y - q.X*p.Y
	}
	return sum / 2
}
