package capabilities

import (
	"encoding/xml"

	"github.com/owsgate/owsgate/internal/ogc"
)

// cswDoc is the ows:Capabilities layout of a catalogue service. Only the
// pieces the harvester needs are read: identification and the GetRecords
// endpoints.
type cswDoc struct {
	Version        string `xml:"version,attr"`
	Identification struct {
		Title             string   `xml:"Title"`
		Abstract          string   `xml:"Abstract"`
		Keywords          []string `xml:"Keywords>Keyword"`
		Fees              string   `xml:"Fees"`
		AccessConstraints string   `xml:"AccessConstraints"`
	} `xml:"ServiceIdentification"`
	Provider struct {
		Name string `xml:"ProviderName"`
		Site xlink  `xml:"ProviderSite"`
	} `xml:"ServiceProvider"`
	OperationsMetadata struct {
		Operations []wfsOwsOp `xml:"Operation"`
	} `xml:"OperationsMetadata"`
}

func parseCSW(data []byte) (*Document, error) {
	var raw cswDoc
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, &ogc.ParseError{Reason: "invalid CSW capabilities document", Err: err}
	}
	doc := &Document{
		Service:           ogc.ServiceCSW,
		Version:           ogc.Version(raw.Version),
		Title:             raw.Identification.Title,
		Abstract:          raw.Identification.Abstract,
		Keywords:          raw.Identification.Keywords,
		Fees:              raw.Identification.Fees,
		AccessConstraints: raw.Identification.AccessConstraints,
		OnlineResource:    raw.Provider.Site.Href,
		Contact:           Contact{Organization: raw.Provider.Name},
		Operations:        map[ogc.Operation]Endpoint{},
	}
	for _, op := range raw.OperationsMetadata.Operations {
		if canonical := ogc.CanonicalOperation(op.Name); canonical != "" {
			doc.Operations[canonical] = Endpoint{GetURL: op.Get.Href, PostURL: op.Post.Href}
		}
	}
	return doc, nil
}
