package capabilities

import (
	"encoding/xml"

	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// wmsDoc covers both document flavors: WMS_Capabilities (1.3.0) and
// WMT_MS_Capabilities (1.0.0 to 1.1.1). The parser selects the struct tag
// differences that matter (SRS vs CRS, LatLonBoundingBox vs
// EX_GeographicBoundingBox) by reading both and keeping whichever is set.
type wmsDoc struct {
	Version string `xml:"version,attr"`
	Service struct {
		Name              string   `xml:"Name"`
		Title             string   `xml:"Title"`
		Abstract          string   `xml:"Abstract"`
		Keywords          []string `xml:"KeywordList>Keyword"`
		Fees              string   `xml:"Fees"`
		AccessConstraints string   `xml:"AccessConstraints"`
		OnlineResource    xlink    `xml:"OnlineResource"`
		Contact           struct {
			Person       string `xml:"ContactPersonPrimary>ContactPerson"`
			Organization string `xml:"ContactPersonPrimary>ContactOrganization"`
			Position     string `xml:"ContactPosition"`
			Address      struct {
				Address  string `xml:"Address"`
				City     string `xml:"City"`
				PostCode string `xml:"PostCode"`
				Country  string `xml:"Country"`
			} `xml:"ContactAddress"`
			Phone string `xml:"ContactVoiceTelephone"`
			Email string `xml:"ContactElectronicMailAddress"`
		} `xml:"ContactInformation"`
	} `xml:"Service"`
	Capability struct {
		Request wmsRequests `xml:"Request"`
		Layer   []wmsLayer  `xml:"Layer"`
	} `xml:"Capability"`
}

type xlink struct {
	Href string `xml:"href,attr"`
}

type wmsDCP struct {
	Formats []string `xml:"Format"`
	Get     xlink    `xml:"DCPType>HTTP>Get>OnlineResource"`
	Post    xlink    `xml:"DCPType>HTTP>Post>OnlineResource"`
}

type wmsRequests struct {
	GetCapabilities  wmsDCP `xml:"GetCapabilities"`
	GetMap           wmsDCP `xml:"GetMap"`
	Map              wmsDCP `xml:"Map"` // WMS 1.0.0 spelling
	GetFeatureInfo   wmsDCP `xml:"GetFeatureInfo"`
	FeatureInfo      wmsDCP `xml:"FeatureInfo"` // WMS 1.0.0 spelling
	GetLegendGraphic wmsDCP `xml:"GetLegendGraphic"`
}

type wmsLayer struct {
	Queryable string   `xml:"queryable,attr"`
	Opaque    string   `xml:"opaque,attr"`
	Name      string   `xml:"Name"`
	Title     string   `xml:"Title"`
	Abstract  string   `xml:"Abstract"`
	Keywords  []string `xml:"KeywordList>Keyword"`
	SRS       []string `xml:"SRS"` // up to 1.1.1
	CRS       []string `xml:"CRS"` // 1.3.0

	// up to 1.1.1
	LatLon *struct {
		MinX float64 `xml:"minx,attr"`
		MinY float64 `xml:"miny,attr"`
		MaxX float64 `xml:"maxx,attr"`
		MaxY float64 `xml:"maxy,attr"`
	} `xml:"LatLonBoundingBox"`
	// 1.3.0
	Geographic *struct {
		West  float64 `xml:"westBoundLongitude"`
		East  float64 `xml:"eastBoundLongitude"`
		South float64 `xml:"southBoundLatitude"`
		North float64 `xml:"northBoundLatitude"`
	} `xml:"EX_GeographicBoundingBox"`

	MinScale float64 `xml:"MinScaleDenominator"`
	MaxScale float64 `xml:"MaxScaleDenominator"`

	Styles []struct {
		Name      string `xml:"Name"`
		Title     string `xml:"Title"`
		LegendURL xlink  `xml:"LegendURL>OnlineResource"`
	} `xml:"Style"`

	Layers []wmsLayer `xml:"Layer"`
}

func parseWMS(data []byte) (*Document, error) {
	var raw wmsDoc
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, &ogc.ParseError{Reason: "invalid WMS capabilities document", Err: err}
	}
	version, err := ogc.ParseVersion(ogc.ServiceWMS, raw.Version)
	if err != nil {
		return nil, err
	}
	if len(raw.Capability.Layer) == 0 {
		return nil, &ogc.ParseError{Reason: "WMS capabilities without a root layer"}
	}

	doc := &Document{
		Service:           ogc.ServiceWMS,
		Version:           version,
		Title:             raw.Service.Title,
		Abstract:          raw.Service.Abstract,
		Keywords:          raw.Service.Keywords,
		Fees:              raw.Service.Fees,
		AccessConstraints: raw.Service.AccessConstraints,
		OnlineResource:    raw.Service.OnlineResource.Href,
		Contact: Contact{
			Person:       raw.Service.Contact.Person,
			Organization: raw.Service.Contact.Organization,
			Position:     raw.Service.Contact.Position,
			Address:      raw.Service.Contact.Address.Address,
			City:         raw.Service.Contact.Address.City,
			PostCode:     raw.Service.Contact.Address.PostCode,
			Country:      raw.Service.Contact.Address.Country,
			Phone:        raw.Service.Contact.Phone,
			Email:        raw.Service.Contact.Email,
		},
		Operations: map[ogc.Operation]Endpoint{},
	}

	req := raw.Capability.Request
	addEndpoint(doc, ogc.OpGetCapabilities, req.GetCapabilities)
	addEndpoint(doc, ogc.OpGetMap, req.GetMap)
	addEndpoint(doc, ogc.OpGetMap, req.Map)
	addEndpoint(doc, ogc.OpGetFeatureInfo, req.GetFeatureInfo)
	addEndpoint(doc, ogc.OpGetFeatureInfo, req.FeatureInfo)
	addEndpoint(doc, ogc.OpGetLegendGraphic, req.GetLegendGraphic)
	doc.OutputFormats = req.GetMap.Formats
	if len(doc.OutputFormats) == 0 {
		doc.OutputFormats = req.Map.Formats
	}

	rootRaw := raw.Capability.Layer[0]
	doc.Layers = NewLayerTree(convertWMSLayer(rootRaw))
	buildWMSChildren(doc.Layers, 0, rootRaw)
	return doc, nil
}

func addEndpoint(doc *Document, op ogc.Operation, dcp wmsDCP) {
	if dcp.Get.Href == "" && dcp.Post.Href == "" {
		return
	}
	if _, exists := doc.Operations[op]; exists {
		return
	}
	doc.Operations[op] = Endpoint{GetURL: dcp.Get.Href, PostURL: dcp.Post.Href}
}

func buildWMSChildren(t *LayerTree, parent int, raw wmsLayer) {
	for _, childRaw := range raw.Layers {
		child := inherit(convertWMSLayer(childRaw), t.Nodes[parent].Layer)
		idx := t.Add(parent, child)
		buildWMSChildren(t, idx, childRaw)
	}
}

func convertWMSLayer(raw wmsLayer) Layer {
	l := Layer{
		Name:         raw.Name,
		Title:        raw.Title,
		Abstract:     raw.Abstract,
		Keywords:     raw.Keywords,
		Queryable:    raw.Queryable == "1" || raw.Queryable == "true",
		queryableSet: raw.Queryable != "",
		Opaque:       raw.Opaque == "1" || raw.Opaque == "true",
		MinScale:     raw.MinScale,
		MaxScale:     raw.MaxScale,
	}
	tokens := raw.CRS
	if len(tokens) == 0 {
		tokens = raw.SRS
	}
	for _, tok := range tokens {
		if srid := geo.SRIDFromToken(tok); srid != 0 {
			l.SRIDs = append(l.SRIDs, srid)
		}
	}
	if raw.Geographic != nil {
		l.WGS84Bounds = &geo.BBox{
			MinX: raw.Geographic.West, MinY: raw.Geographic.South,
			MaxX: raw.Geographic.East, MaxY: raw.Geographic.North,
			SRID: geo.CRSWGS84,
		}
	} else if raw.LatLon != nil {
		l.WGS84Bounds = &geo.BBox{
			MinX: raw.LatLon.MinX, MinY: raw.LatLon.MinY,
			MaxX: raw.LatLon.MaxX, MaxY: raw.LatLon.MaxY,
			SRID: geo.CRSWGS84,
		}
	}
	for _, s := range raw.Styles {
		l.Styles = append(l.Styles, Style{Name: s.Name, Title: s.Title, LegendURL: s.LegendURL.Href})
	}
	return l
}
