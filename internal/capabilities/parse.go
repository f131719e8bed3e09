package capabilities

import (
	"bytes"
	"encoding/xml"

	"github.com/owsgate/owsgate/internal/ogc"
)

// Parse detects the document flavor from the root element and dispatches to
// the matching parser. Parsing is pure: the same document always yields the
// same normalized result.
func Parse(data []byte) (*Document, error) {
	root, err := documentRoot(data)
	if err != nil {
		return nil, &ogc.ParseError{Reason: "invalid capabilities document", Err: err}
	}
	switch root.Name.Local {
	case "WMS_Capabilities", "WMT_MS_Capabilities":
		return parseWMS(data)
	case "WFS_Capabilities":
		return parseWFS(data)
	case "Capabilities":
		// CSW uses the plain ows:Capabilities root
		return parseCSW(data)
	case "ServiceExceptionReport", "ExceptionReport":
		return nil, &ogc.ParseError{Reason: "origin returned an exception report instead of capabilities"}
	}
	return nil, &ogc.ParseError{Reason: "unrecognized capabilities root element " + root.Name.Local}
}

func documentRoot(data []byte) (xml.StartElement, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
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
