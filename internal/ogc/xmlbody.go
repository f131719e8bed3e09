package ogc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/owsgate/owsgate/internal/geo"
)

// parseXMLBody fills the context from a raw POST operation document. The
// root element name selects the operation; the body is retained verbatim
// so the original document can be forwarded once rewriting is done.
func (oc *OperationContext) parseXMLBody(body []byte) error {
	oc.RawBody = body

	root, err := rootElement(body)
	if err != nil {
		return &ParseError{Reason: "invalid XML body", Err: err}
	}
	oc.Operation = CanonicalOperation(root.Name.Local)
	if v := attr(root, "version"); v != "" {
		oc.Version = Version(v)
	}
	if s := attr(root, "service"); s != "" {
		if st, perr := ParseServiceType(s); perr == nil {
			oc.Service = st
		}
	}

	switch oc.Operation {
	case OpGetMap:
		return oc.parseGetMapBody(body)
	case OpGetFeature:
		return oc.parseGetFeatureBody(body, root)
	case OpTransaction:
		return oc.parseTransactionBody(body)
	case OpDescribeFeatureType:
		return oc.parseDescribeBody(body)
	case OpGetCapabilities, OpGetRecords:
		return nil
	case "":
		return &ParseError{Reason: fmt.Sprintf("unknown operation element %q", root.Name.Local)}
	}
	return nil
}

func rootElement(body []byte) (xml.StartElement, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// getMapBody follows the SLD WMS POST layout: named layers inside a styled
// layer descriptor, a bounding box with two corner coordinates and an
// output block with size and format.
type getMapBody struct {
	Layers []string `xml:"StyledLayerDescriptor>NamedLayer>Name"`
	BBox   struct {
		SRSName string `xml:"srsName,attr"`
		Coords  []struct {
			X float64 `xml:"X"`
			Y float64 `xml:"Y"`
		} `xml:"coord"`
	} `xml:"BoundingBox"`
	Output struct {
		Width  int    `xml:"Size>Width"`
		Height int    `xml:"Size>Height"`
		Format string `xml:"Format"`
	} `xml:"Output"`
}

func (oc *OperationContext) parseGetMapBody(body []byte) error {
	var gm getMapBody
	if err := xml.Unmarshal(body, &gm); err != nil {
		return &ParseError{Reason: "invalid GetMap body", Err: err}
	}
	oc.Layers = gm.Layers
	oc.Width = gm.Output.Width
	oc.Height = gm.Output.Height
	if gm.Output.Format != "" {
		oc.Format = gm.Output.Format
	}
	if gm.BBox.SRSName != "" {
		oc.SRS = gm.BBox.SRSName
		oc.SRID = geo.SRIDFromToken(gm.BBox.SRSName)
	}
	if len(gm.BBox.Coords) == 2 {
		oc.BBox = &geo.BBox{
			MinX: gm.BBox.Coords[0].X, MinY: gm.BBox.Coords[0].Y,
			MaxX: gm.BBox.Coords[1].X, MaxY: gm.BBox.Coords[1].Y,
			SRID: oc.SRID,
		}
	}
	return nil
}

type getFeatureQuery struct {
	TypeName  string `xml:"typeName,attr"`
	TypeNames string `xml:"typeNames,attr"`
	SRSName   string `xml:"srsName,attr"`
	Filter    struct {
		Inner string `xml:",innerxml"`
	} `xml:"Filter"`
}

type getFeatureBody struct {
	MaxFeatures string            `xml:"maxFeatures,attr"`
	Count       string            `xml:"count,attr"`
	Format      string            `xml:"outputFormat,attr"`
	Queries     []getFeatureQuery `xml:"Query"`
}

func (oc *OperationContext) parseGetFeatureBody(body []byte, root xml.StartElement) error {
	var gf getFeatureBody
	if err := xml.Unmarshal(body, &gf); err != nil {
		return &ParseError{Reason: "invalid GetFeature body", Err: err}
	}
	if len(gf.Queries) == 0 {
		return &ParseError{Reason: "GetFeature body without Query element"}
	}
	if len(gf.Queries) > 1 {
		return &UnsupportedRequestError{Reason: "GetFeature with multiple Query elements is not supported"}
	}
	q := gf.Queries[0]
	oc.TypeName = q.TypeName
	if oc.TypeName == "" {
		oc.TypeName = q.TypeNames
	}
	if q.SRSName != "" {
		oc.SRS = q.SRSName
		oc.SRID = geo.SRIDFromToken(q.SRSName)
	}
	oc.Filter = strings.TrimSpace(q.Filter.Inner)
	if gf.Count != "" {
		oc.Count = gf.Count
	} else if gf.MaxFeatures != "" {
		oc.Count = gf.MaxFeatures
	}
	if gf.Format != "" {
		oc.Format = gf.Format
	}
	_ = root
	return nil
}

type describeBody struct {
	TypeNames []string `xml:"TypeName"`
}

func (oc *OperationContext) parseDescribeBody(body []byte) error {
	var db describeBody
	if err := xml.Unmarshal(body, &db); err != nil {
		return &ParseError{Reason: "invalid DescribeFeatureType body", Err: err}
	}
	if len(db.TypeNames) > 0 {
		oc.TypeName = strings.Join(db.TypeNames, ",")
	}
	return nil
}

// parseTransactionBody walks the whole document and collects every geometry
// vertex it finds inside Insert and Update actions. A Transaction is only
// permitted when all of its vertices sit inside the allowed area, so the
// flat vertex list is all the evaluator needs.
func (oc *OperationContext) parseTransactionBody(body []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		verts   []geo.Point
		srid    int
		inGeom  string
		geomCS  string
		geomTS  string
		mutable bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Insert", "Update":
				mutable = true
			case "posList", "pos", "coordinates":
				if !mutable {
					continue
				}
				inGeom = t.Name.Local
				geomCS, geomTS = ",", " "
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "cs":
						geomCS = a.Value
					case "ts":
						geomTS = a.Value
					case "srsName":
						if s := geo.SRIDFromToken(a.Value); s != 0 {
							srid = s
						}
					}
				}
			default:
				if s := attr(t, "srsName"); s != "" && mutable && srid == 0 {
					srid = geo.SRIDFromToken(s)
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "Insert", "Update":
				mutable = false
			case inGeom:
				inGeom = ""
			}
		case xml.CharData:
			if inGeom == "" {
				continue
			}
			pts, err := parseVertices(string(t), inGeom, geomCS, geomTS)
			if err != nil {
				return &ParseError{Reason: "invalid geometry in Transaction body", Err: err}
			}
			verts = append(verts, pts...)
		}
	}
	if srid == 0 {
		srid = geo.CRSWGS84
	}
	if oc.SRID == 0 {
		oc.SRID = srid
	}
	oc.TransactionVertices = verts
	return nil
}

// parseVertices turns the text content of a GML coordinate element into
// points. posList and pos carry whitespace separated ordinates; coordinates
// separates ordinates with cs and tuples with ts.
func parseVertices(text, element, cs, ts string) ([]geo.Point, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var ordinates []float64
	if element == "coordinates" {
		for _, tuple := range strings.FieldsFunc(text, func(r rune) bool {
			return strings.ContainsRune(ts, r) || r == '\n' || r == '\t'
		}) {
			for _, ord := range strings.Split(tuple, cs) {
				ord = strings.TrimSpace(ord)
				if ord == "" {
					continue
				}
				f, err := strconv.ParseFloat(ord, 64)
				if err != nil {
					return nil, fmt.Errorf("ordinate %q: %w", ord, err)
				}
				ordinates = append(ordinates, f)
			}
		}
	} else {
		for _, ord := range strings.Fields(text) {
			f, err := strconv.ParseFloat(ord, 64)
			if err != nil {
				return nil, fmt.Errorf("ordinate %q: %w", ord, err)
			}
			ordinates = append(ordinates, f)
		}
	}
	if len(ordinates)%2 != 0 {
		return nil, fmt.Errorf("odd ordinate count %d", len(ordinates))
	}
	pts := make([]geo.Point, 0, len(ordinates)/2)
	for i := 0; i+1 < len(ordinates); i += 2 {
		pts = append(pts, geo.Point{X: ordinates[i], Y: ordinates[i+1]})
	}
	return pts, nil
}
