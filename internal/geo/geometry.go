// Package geo implements the planar geometry used by the access control
// evaluator and the masking engine: polygons with holes, boundary-inclusive
// coverage tests, bounding boxes, and the small set of CRS conversions the
// proxy supports.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// CRSWGS84 is the global default spatial reference (EPSG:4326).
	CRSWGS84 = 4326
	// CRSWebMercator is EPSG:3857.
	CRSWebMercator = 3857
)

type Point struct {
	X, Y float64
}

// Ring is a closed linear ring; the closing vertex may be present or absent.
type Ring []Point

type Polygon struct {
	Exterior Ring
	Holes    []Ring
}

// Geometry is a restriction geometry: zero or more polygons in one CRS.
// An empty Geometry means "no spatial restriction", never "denied".
type Geometry struct {
	SRID     int
	Polygons []Polygon
}

func (g Geometry) Empty() bool {
	return len(g.Polygons) == 0
}

// Covers reports whether p lies inside or exactly on the boundary of any
// polygon. The boundary is closed: a point on an edge or vertex is covered.
func (g Geometry) Covers(p Point) bool {
	for _, poly := range g.Polygons {
		if polygonCovers(poly, p) {
			return true
		}
	}
	return false
}

// CoversAll reports whether every given point is covered.
func (g Geometry) CoversAll(pts []Point) bool {
	for _, p := range pts {
		if !g.Covers(p) {
			return false
		}
	}
	return true
}

// Union combines restriction geometries for coverage checks. Coverage by a
// union is coverage by any member, so concatenation is sufficient; no
// polygon overlay is performed.
func Union(gs ...Geometry) Geometry {
	var out Geometry
	for _, g := range gs {
		if out.SRID == 0 {
			out.SRID = g.SRID
		}
		out.Polygons = append(out.Polygons, g.Polygons...)
	}
	return out
}

func polygonCovers(poly Polygon, p Point) bool {
	if onRing(poly.Exterior, p) {
		return true
	}
	if !inRing(poly.Exterior, p) {
		return false
	}
	for _, h := range poly.Holes {
		if onRing(h, p) {
			return true // hole boundary belongs to the polygon
		}
		if inRing(h, p) {
			return false
		}
	}
	return true
}

// inRing is an even-odd ray cast, boundary excluded.
func inRing(r Ring, p Point) bool {
	n := len(r)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := r[i], r[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

func onRing(r Ring, p Point) bool {
	n := len(r)
	for i := 0; i < n; i++ {
		a := r[i]
		b := r[(i+1)%n]
		if onSegment(a, b, p) {
			return true
		}
	}
	return false
}

const segEps = 1e-12

func onSegment(a, b, p Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > segEps*(math.Abs(b.X-a.X)+math.Abs(b.Y-a.Y)+1) {
		return false
	}
	if p.X < math.Min(a.X, b.X)-segEps || p.X > math.Max(a.X, b.X)+segEps {
		return false
	}
	if p.Y < math.Min(a.Y, b.Y)-segEps || p.Y > math.Max(a.Y, b.Y)+segEps {
		return false
	}
	return true
}

// ParseGeoJSON decodes a GeoJSON Polygon or MultiPolygon into a Geometry
// with the given SRID.
func ParseGeoJSON(raw string, srid int) (Geometry, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &hdr); err != nil {
		return Geometry{}, fmt.Errorf("parse geojson: %w", err)
	}
	g := Geometry{SRID: srid}
	switch hdr.Type {
	case "Polygon":
		var tmp struct {
			Coordinates [][][]float64 `json:"coordinates"`
		}
		if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
			return Geometry{}, fmt.Errorf("parse polygon coords: %w", err)
		}
		poly, err := ringsToPolygon(tmp.Coordinates)
		if err != nil {
			return Geometry{}, err
		}
		g.Polygons = append(g.Polygons, poly)
	case "MultiPolygon":
		var tmp struct {
			Coordinates [][][][]float64 `json:"coordinates"`
		}
		if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
			return Geometry{}, fmt.Errorf("parse multipolygon coords: %w", err)
		}
		for i, rings := range tmp.Coordinates {
			poly, err := ringsToPolygon(rings)
			if err != nil {
				return Geometry{}, fmt.Errorf("polygon %d: %w", i, err)
			}
			g.Polygons = append(g.Polygons, poly)
		}
	default:
		return Geometry{}, fmt.Errorf("unsupported GeoJSON type %q (must be Polygon or MultiPolygon)", hdr.Type)
	}
	return g, nil
}

// GeoJSON serializes the geometry as a MultiPolygon document.
func (g Geometry) GeoJSON() string {
	coords := make([][][][]float64, 0, len(g.Polygons))
	for _, poly := range g.Polygons {
		rings := [][][]float64{ringCoords(poly.Exterior)}
		for _, h := range poly.Holes {
			rings = append(rings, ringCoords(h))
		}
		coords = append(coords, rings)
	}
	doc := struct {
		Type        string          `json:"type"`
		Coordinates [][][][]float64 `json:"coordinates"`
	}{Type: "MultiPolygon", Coordinates: coords}
	b, _ := json.Marshal(doc)
	return string(b)
}

func ringCoords(r Ring) [][]float64 {
	out := make([][]float64, 0, len(r)+1)
	for _, p := range r {
		out = append(out, []float64{p.X, p.Y})
	}
	if len(r) > 0 && (r[0] != r[len(r)-1]) {
		out = append(out, []float64{r[0].X, r[0].Y})
	}
	return out
}

func ringsToPolygon(rings [][][]float64) (Polygon, error) {
	if len(rings) == 0 {
		return Polygon{}, errors.New("empty polygon")
	}
	conv := func(coords [][]float64) (Ring, error) {
		ring := make(Ring, 0, len(coords))
		for _, xy := range coords {
			if len(xy) < 2 {
				return nil, errors.New("ring vertex needs two coordinates")
			}
			ring = append(ring, Point{X: xy[0], Y: xy[1]})
		}
		// drop duplicated closing vertex
		if len(ring) >= 2 && ring[0] == ring[len(ring)-1] {
			ring = ring[:len(ring)-1]
		}
		if len(ring) < 3 {
			return nil, errors.New("ring has fewer than 3 distinct vertices")
		}
		return ring, nil
	}
	ext, err := conv(rings[0])
	if err != nil {
		return Polygon{}, fmt.Errorf("exterior: %w", err)
	}
	poly := Polygon{Exterior: ext}
	for i := 1; i < len(rings); i++ {
		h, err := conv(rings[i])
		if err != nil {
			return Polygon{}, fmt.Errorf("hole %d: %w", i-1, err)
		}
		poly.Holes = append(poly.Holes, h)
	}
	return poly, nil
}

// BBox is a WMS/WFS bounding box. SRID 0 means "not specified".
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
	SRID                   int
}

// ParseBBOX parses a comma separated BBOX parameter. The last element may be
// a CRS token instead of a coordinate; if it does not parse as a float it is
// returned separately and removed from the coordinate list.
func ParseBBOX(raw string) (BBox, string, error) {
	parts := strings.Split(raw, ",")
	crsToken := ""
	if len(parts) > 0 {
		last := strings.TrimSpace(parts[len(parts)-1])
		if _, err := strconv.ParseFloat(last, 64); err != nil {
			crsToken = last
			parts = parts[:len(parts)-1]
		}
	}
	if len(parts) != 4 {
		return BBox{}, crsToken, fmt.Errorf("bbox needs 4 coordinates, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return BBox{}, crsToken, fmt.Errorf("bbox coordinate %d: %w", i, err)
		}
		vals[i] = f
	}
	bb := BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3], SRID: SRIDFromToken(crsToken)}
	return bb, crsToken, nil
}

// String re-serializes the coordinates without a CRS token, preserving the
// numeric values exactly.
func (b BBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.MinX, 'f', -1, 64),
		strconv.FormatFloat(b.MinY, 'f', -1, 64),
		strconv.FormatFloat(b.MaxX, 'f', -1, 64),
		strconv.FormatFloat(b.MaxY, 'f', -1, 64),
	}, ",")
}

func (b BBox) Width() float64  { return b.MaxX - b.MinX }
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

// Polygon returns the box as a closed geometry.
func (b BBox) Polygon() Geometry {
	return Geometry{
		SRID: b.SRID,
		Polygons: []Polygon{{
			Exterior: Ring{
				{b.MinX, b.MinY},
				{b.MaxX, b.MinY},
				{b.MaxX, b.MaxY},
				{b.MinX, b.MaxY},
			},
		}},
	}
}

// Covers reports whether the box fully contains the other box.
func (b BBox) Covers(o BBox) bool {
	return b.MinX <= o.MinX && b.MinY <= o.MinY && b.MaxX >= o.MaxX && b.MaxY >= o.MaxY
}

// Intersects reports whether the boxes share any area.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX && b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// SRIDFromToken extracts the numeric code from identifiers such as
// "EPSG:4326" or legacy URL styles ending in "#4326". Zero when absent.
func SRIDFromToken(token string) int {
	if token == "" {
		return 0
	}
	for _, sep := range []string{":", "#", "/"} {
		parts := strings.Split(token, sep)
		if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
			return n
		}
	}
	return 0
}

// PixelToCoord converts an image pixel pick (origin top-left) into the
// spatial coordinates of the request bounding box.
func PixelToCoord(b BBox, width, height, px, py int) Point {
	stepX := b.Width() / float64(width)
	stepY := -b.Height() / float64(height)
	return Point{
		X: b.MinX + float64(px)*stepX,
		Y: b.MaxY + float64(py)*stepY,
	}
}

const earthRadius = 6378137.0

// TransformPoint converts a point between the supported CRS pair
// (EPSG:4326 and EPSG:3857). Identical SRIDs pass through.
func TransformPoint(p Point, from, to int) (Point, error) {
	if from == to || from == 0 || to == 0 {
		return p, nil
	}
	switch {
	case from == CRSWGS84 && to == CRSWebMercator:
		x := p.X * math.Pi / 180 * earthRadius
		y := math.Log(math.Tan(math.Pi/4+p.Y*math.Pi/360)) * earthRadius
		return Point{X: x, Y: y}, nil
	case from == CRSWebMercator && to == CRSWGS84:
		lon := p.X / earthRadius * 180 / math.Pi
		lat := (2*math.Atan(math.Exp(p.Y/earthRadius)) - math.Pi/2) * 180 / math.Pi
		return Point{X: lon, Y: lat}, nil
	default:
		return Point{}, fmt.Errorf("unsupported CRS transformation EPSG:%d -> EPSG:%d", from, to)
	}
}

// Transform converts the whole geometry between the supported CRS pair.
func (g Geometry) Transform(to int) (Geometry, error) {
	if g.SRID == to || g.SRID == 0 || to == 0 {
		return g, nil
	}
	out := Geometry{SRID: to, Polygons: make([]Polygon, 0, len(g.Polygons))}
	convRing := func(r Ring) (Ring, error) {
		nr := make(Ring, len(r))
		for i, p := range r {
			tp, err := TransformPoint(p, g.SRID, to)
			if err != nil {
				return nil, err
			}
			nr[i] = tp
		}
		return nr, nil
	}
	for _, poly := range g.Polygons {
		ext, err := convRing(poly.Exterior)
		if err != nil {
			return Geometry{}, err
		}
		np := Polygon{Exterior: ext}
		for _, h := range poly.Holes {
			nh, err := convRing(h)
			if err != nil {
				return Geometry{}, err
			}
			np.Holes = append(np.Holes, nh)
		}
		out.Polygons = append(out.Polygons, np)
	}
	return out, nil
}

// Bounds returns the envelope of the geometry.
func (g Geometry) Bounds() BBox {
	bb := BBox{SRID: g.SRID, MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, poly := range g.Polygons {
		for _, p := range poly.Exterior {
			bb.MinX = math.Min(bb.MinX, p.X)
			bb.MinY = math.Min(bb.MinY, p.Y)
			bb.MaxX = math.Max(bb.MaxX, p.X)
			bb.MaxY = math.Max(bb.MaxY, p.Y)
		}
	}
	return bb
}
