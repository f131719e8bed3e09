package capabilities

import (
	"bytes"
	"encoding/xml"

	"github.com/owsgate/owsgate/internal/ogc"
)

// ParseFeatureSchema flattens a DescribeFeatureType response (an XML
// schema) into the element name and type pairs. Nesting is irrelevant
// here, only the property names and their types matter for geometry
// property resolution.
func ParseFeatureSchema(data []byte) ([]ogc.ElementDef, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []ogc.ElementDef
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "element" {
			continue
		}
		var def ogc.ElementDef
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				def.Name = a.Value
			case "type":
				def.Type = a.Value
			}
		}
		if def.Name != "" && def.Type != "" {
			out = append(out, def)
		}
	}
	if len(out) == 0 {
		return nil, &ogc.ParseError{Reason: "feature schema without element declarations"}
	}
	return out, nil
}
