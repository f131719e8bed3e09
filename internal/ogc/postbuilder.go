package ogc

import (
	"fmt"
	"strings"
)

// BuildPOSTBody renders the operation as an XML POST document. Used when a
// form encoded POST is rejected by the origin server and the call is retried
// with an XML body, and when an oversized GET has to be downgraded to POST.
func (oc OperationContext) BuildPOSTBody() ([]byte, error) {
	if len(oc.RawBody) > 0 {
		return oc.RawBody, nil
	}
	switch oc.Operation {
	case OpGetMap:
		return oc.buildGetMapBody(), nil
	case OpGetFeature:
		return oc.buildGetFeatureBody(), nil
	case OpDescribeFeatureType:
		return oc.buildDescribeBody(), nil
	}
	return nil, &UnsupportedRequestError{Reason: fmt.Sprintf("operation %s has no XML rendition", oc.Operation)}
}

func (oc OperationContext) buildGetMapBody() []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&b, `<ogc:GetMap xmlns:ogc="http://www.opengis.net/ows" xmlns:gml="http://www.opengis.net/gml" version=%q>`, string(oc.Version))
	b.WriteString(`<StyledLayerDescriptor version="1.0.0">`)
	for _, l := range oc.Layers {
		fmt.Fprintf(&b, `<NamedLayer><Name>%s</Name></NamedLayer>`, xmlEscape(l))
	}
	b.WriteString(`</StyledLayerDescriptor>`)
	if oc.BBox != nil {
		fmt.Fprintf(&b, `<BoundingBox srsName=%q>`, oc.SRS)
		fmt.Fprintf(&b, `<gml:coord><gml:X>%s</gml:X><gml:Y>%s</gml:Y></gml:coord>`, ord(oc.BBox.MinX), ord(oc.BBox.MinY))
		fmt.Fprintf(&b, `<gml:coord><gml:X>%s</gml:X><gml:Y>%s</gml:Y></gml:coord>`, ord(oc.BBox.MaxX), ord(oc.BBox.MaxY))
		b.WriteString(`</BoundingBox>`)
	}
	b.WriteString(`<Output>`)
	if oc.Format != "" {
		fmt.Fprintf(&b, `<Format>%s</Format>`, xmlEscape(oc.Format))
	}
	fmt.Fprintf(&b, `<Size><Width>%d</Width><Height>%d</Height></Size>`, oc.Width, oc.Height)
	b.WriteString(`</Output>`)
	b.WriteString(`</ogc:GetMap>`)
	return []byte(b.String())
}

func (oc OperationContext) buildGetFeatureBody() []byte {
	wfs2 := oc.Version.IsWFS2()
	ns := "http://www.opengis.net/wfs"
	typeAttr, countAttr := "typeName", "maxFeatures"
	if wfs2 {
		ns = "http://www.opengis.net/wfs/2.0"
		typeAttr, countAttr = "typeNames", "count"
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&b, `<wfs:GetFeature xmlns:wfs=%q service="WFS" version=%q`, ns, string(oc.Version))
	if oc.Count != "" {
		fmt.Fprintf(&b, ` %s=%q`, countAttr, oc.Count)
	}
	of := oc.Format
	if of == "" {
		of = oc.extra["OUTPUTFORMAT"]
	}
	if of != "" {
		fmt.Fprintf(&b, ` outputFormat=%q`, of)
	}
	b.WriteString(`>`)
	fmt.Fprintf(&b, `<wfs:Query %s=%q`, typeAttr, oc.TypeName)
	if oc.SRS != "" {
		fmt.Fprintf(&b, ` srsName=%q`, oc.SRS)
	}
	b.WriteString(`>`)
	if oc.Filter != "" {
		b.WriteString(oc.Filter)
	} else if oc.BBox != nil && oc.GeomProperty != "" {
		b.WriteString(BBoxFilter(oc.Version, oc.GeomProperty, *oc.BBox))
	}
	b.WriteString(`</wfs:Query>`)
	b.WriteString(`</wfs:GetFeature>`)
	return []byte(b.String())
}

func (oc OperationContext) buildDescribeBody() []byte {
	ns := "http://www.opengis.net/wfs"
	if oc.Version.IsWFS2() {
		ns = "http://www.opengis.net/wfs/2.0"
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&b, `<wfs:DescribeFeatureType xmlns:wfs=%q service="WFS" version=%q>`, ns, string(oc.Version))
	for _, tn := range strings.Split(oc.TypeName, ",") {
		if tn = strings.TrimSpace(tn); tn != "" {
			fmt.Fprintf(&b, `<wfs:TypeName>%s</wfs:TypeName>`, xmlEscape(tn))
		}
	}
	b.WriteString(`</wfs:DescribeFeatureType>`)
	return []byte(b.String())
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
