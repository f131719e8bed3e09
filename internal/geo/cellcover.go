package geo

import (
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"
)

// CoverIndex is an H3 cell cover of a restriction geometry, used as a fast
// pre-filter before the exact point-in-polygon test. Coordinates must be
// EPSG:4326 (H3 works in degrees).
type CoverIndex struct {
	res   int
	cells map[h3.Cell]struct{}
}

// NewCoverIndex polyfills the geometry at the given resolution.
func NewCoverIndex(g Geometry, res int) (*CoverIndex, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	idx := &CoverIndex{res: res, cells: make(map[h3.Cell]struct{})}
	for _, poly := range g.Polygons {
		gp := h3.GeoPolygon{GeoLoop: toLoop(poly.Exterior)}
		for _, hole := range poly.Holes {
			gp.Holes = append(gp.Holes, toLoop(hole))
		}
		cells, err := h3.PolygonToCells(gp, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
		for _, c := range cells {
			idx.cells[c] = struct{}{}
		}
	}
	return idx, nil
}

// Covers reports (covered, certain). The answer is certain only when the
// pick cell and its full neighborhood are inside the cover, i.e. the point
// is in the interior. Anything near the boundary must fall back to the
// exact geometry test.
func (idx *CoverIndex) Covers(p Point) (bool, bool) {
	cell, err := h3.LatLngToCell(h3.NewLatLng(p.Y, p.X), idx.res)
	if err != nil {
		return false, false
	}
	if _, ok := idx.cells[cell]; !ok {
		return false, false
	}
	disk, err := h3.GridDisk(cell, 1)
	if err != nil {
		return false, false
	}
	for _, n := range disk {
		if _, ok := idx.cells[n]; !ok {
			return false, false
		}
	}
	return true, true
}

// Cells returns the cover as sorted cell index strings, usable as a stable
// cache key component.
func (idx *CoverIndex) Cells() []string {
	out := make([]string, 0, len(idx.cells))
	for c := range idx.cells {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

func toLoop(r Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(r))
	for _, p := range r {
		loop = append(loop, h3.LatLng{Lat: p.Y, Lng: p.X})
	}
	return loop
}
