package ogc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/owsgate/owsgate/internal/geo"
)

// WithinFilter builds a spatial Within filter that restricts the requested
// geometry property to the allowed area. The namespace and the GML dialect
// follow the WFS version of the request.
func WithinFilter(v Version, geomProperty string, g geo.Geometry) string {
	pfx, uri := v.FilterNamespace()
	var b strings.Builder
	fmt.Fprintf(&b, `<%s:Filter xmlns:%s=%q xmlns:gml=%q>`, pfx, pfx, uri, v.GMLNamespace())
	writeWithin(&b, v, pfx, geomProperty, g)
	fmt.Fprintf(&b, `</%s:Filter>`, pfx)
	return b.String()
}

// MergeFilters joins an existing filter expression with a synthesized one
// under a logical And, so caller-supplied predicates stay in force while the
// spatial restriction is added. Either input may carry its own Filter
// wrapper element; the result always does.
func MergeFilters(v Version, existing, synthesized string) string {
	if strings.TrimSpace(existing) == "" {
		return synthesized
	}
	if strings.TrimSpace(synthesized) == "" {
		return existing
	}
	pfx, uri := v.FilterNamespace()
	var b strings.Builder
	fmt.Fprintf(&b, `<%s:Filter xmlns:%s=%q xmlns:gml=%q>`, pfx, pfx, uri, v.GMLNamespace())
	fmt.Fprintf(&b, `<%s:And>`, pfx)
	b.WriteString(stripFilterWrapper(existing))
	b.WriteString(stripFilterWrapper(synthesized))
	fmt.Fprintf(&b, `</%s:And>`, pfx)
	fmt.Fprintf(&b, `</%s:Filter>`, pfx)
	return b.String()
}

// BBoxFilter converts a BBOX parameter into an equivalent BBOX filter
// predicate, so a bounding box constraint can survive the merge with a
// spatial restriction. Filter and BBOX are mutually exclusive in WFS.
func BBoxFilter(v Version, geomProperty string, bb geo.BBox) string {
	pfx, uri := v.FilterNamespace()
	prop := propertyElement(v)
	var b strings.Builder
	fmt.Fprintf(&b, `<%s:Filter xmlns:%s=%q xmlns:gml=%q>`, pfx, pfx, uri, v.GMLNamespace())
	fmt.Fprintf(&b, `<%s:BBOX>`, pfx)
	fmt.Fprintf(&b, `<%s:%s>%s</%s:%s>`, pfx, prop, geomProperty, pfx, prop)
	fmt.Fprintf(&b, `<gml:Envelope%s>`, srsAttr(bb.SRID))
	fmt.Fprintf(&b, `<gml:lowerCorner>%s %s</gml:lowerCorner>`, ord(bb.MinX), ord(bb.MinY))
	fmt.Fprintf(&b, `<gml:upperCorner>%s %s</gml:upperCorner>`, ord(bb.MaxX), ord(bb.MaxY))
	b.WriteString(`</gml:Envelope>`)
	fmt.Fprintf(&b, `</%s:BBOX>`, pfx)
	fmt.Fprintf(&b, `</%s:Filter>`, pfx)
	return b.String()
}

func writeWithin(b *strings.Builder, v Version, pfx, geomProperty string, g geo.Geometry) {
	prop := propertyElement(v)
	fmt.Fprintf(b, `<%s:Within>`, pfx)
	fmt.Fprintf(b, `<%s:%s>%s</%s:%s>`, pfx, prop, geomProperty, pfx, prop)
	writeGeometry(b, v, g)
	fmt.Fprintf(b, `</%s:Within>`, pfx)
}

func propertyElement(v Version) string {
	if v.IsWFS2() {
		return "ValueReference"
	}
	return "PropertyName"
}

func writeGeometry(b *strings.Builder, v Version, g geo.Geometry) {
	if len(g.Polygons) == 1 {
		writePolygon(b, v, g.Polygons[0], g.SRID)
		return
	}
	if v.IsWFS2() {
		fmt.Fprintf(b, `<gml:MultiSurface%s>`, srsAttr(g.SRID))
		for _, p := range g.Polygons {
			b.WriteString(`<gml:surfaceMember>`)
			writePolygon(b, v, p, 0)
			b.WriteString(`</gml:surfaceMember>`)
		}
		b.WriteString(`</gml:MultiSurface>`)
		return
	}
	fmt.Fprintf(b, `<gml:MultiPolygon%s>`, srsAttr(g.SRID))
	for _, p := range g.Polygons {
		b.WriteString(`<gml:polygonMember>`)
		writePolygon(b, v, p, 0)
		b.WriteString(`</gml:polygonMember>`)
	}
	b.WriteString(`</gml:MultiPolygon>`)
}

func writePolygon(b *strings.Builder, v Version, p geo.Polygon, srid int) {
	fmt.Fprintf(b, `<gml:Polygon%s>`, srsAttr(srid))
	if v.IsWFS2() {
		writeRing(b, "exterior", p.Exterior)
		for _, h := range p.Holes {
			writeRing(b, "interior", h)
		}
	} else {
		writeRing(b, "outerBoundaryIs", p.Exterior)
		for _, h := range p.Holes {
			writeRing(b, "innerBoundaryIs", h)
		}
	}
	b.WriteString(`</gml:Polygon>`)
}

func writeRing(b *strings.Builder, boundary string, r geo.Ring) {
	fmt.Fprintf(b, `<gml:%s><gml:LinearRing><gml:posList>`, boundary)
	for i, pt := range r {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%s %s", ord(pt.X), ord(pt.Y))
	}
	// a linear ring is closed, repeat the first vertex
	if len(r) > 0 && r[0] != r[len(r)-1] {
		fmt.Fprintf(b, " %s %s", ord(r[0].X), ord(r[0].Y))
	}
	fmt.Fprintf(b, `</gml:posList></gml:LinearRing></gml:%s>`, boundary)
}

func srsAttr(srid int) string {
	if srid == 0 {
		return ""
	}
	return fmt.Sprintf(` srsName="EPSG:%d"`, srid)
}

func ord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var filterWrapperRE = regexp.MustCompile(`(?s)\A\s*<(?:\w+:)?Filter\b[^>]*>(.*)</(?:\w+:)?Filter>\s*\z`)

// stripFilterWrapper removes the outer Filter element when present, leaving
// the bare predicate expression.
func stripFilterWrapper(filter string) string {
	if m := filterWrapperRE.FindStringSubmatch(filter); m != nil {
		return m[1]
	}
	return filter
}
