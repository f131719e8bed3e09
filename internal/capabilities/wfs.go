package capabilities

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// wfsDoc covers WFS 1.0.0 (Service/Capability blocks), 1.1.0 and 2.x
// (ows:ServiceIdentification plus ows:OperationsMetadata). As with WMS both
// layouts are read into one struct and whichever is populated wins.
type wfsDoc struct {
	Version string `xml:"version,attr"`

	// 1.0.0
	Service struct {
		Title             string `xml:"Title"`
		Abstract          string `xml:"Abstract"`
		Keywords          string `xml:"Keywords"`
		Fees              string `xml:"Fees"`
		AccessConstraints string `xml:"AccessConstraints"`
		OnlineResource    string `xml:"OnlineResource"`
	} `xml:"Service"`
	Capability struct {
		Request struct {
			Ops []wfsLegacyOp `xml:",any"`
		} `xml:"Request"`
	} `xml:"Capability"`

	// 1.1.0 and 2.x
	Identification struct {
		Title             string   `xml:"Title"`
		Abstract          string   `xml:"Abstract"`
		Keywords          []string `xml:"Keywords>Keyword"`
		Fees              string   `xml:"Fees"`
		AccessConstraints string   `xml:"AccessConstraints"`
	} `xml:"ServiceIdentification"`
	Provider struct {
		Name    string `xml:"ProviderName"`
		Site    xlink  `xml:"ProviderSite"`
		Contact struct {
			Person   string `xml:"IndividualName"`
			Position string `xml:"PositionName"`
			Phone    string `xml:"ContactInfo>Phone>Voice"`
			Address  struct {
				Street   string `xml:"DeliveryPoint"`
				City     string `xml:"City"`
				PostCode string `xml:"PostalCode"`
				Country  string `xml:"Country"`
				Email    string `xml:"ElectronicMailAddress"`
			} `xml:"ContactInfo>Address"`
		} `xml:"ServiceContact"`
	} `xml:"ServiceProvider"`
	OperationsMetadata struct {
		Operations []wfsOwsOp `xml:"Operation"`
	} `xml:"OperationsMetadata"`

	FeatureTypes []wfsFeatureType `xml:"FeatureTypeList>FeatureType"`
}

// wfsLegacyOp is one 1.0.0 Capability/Request child. The endpoint URL sits
// in an onlineResource attribute there, not in an xlink href.
type wfsLegacyOp struct {
	XMLName xml.Name
	Get     legacyHTTP `xml:"DCPType>HTTP>Get"`
	Post    legacyHTTP `xml:"DCPType>HTTP>Post"`
}

type legacyHTTP struct {
	URL string `xml:"onlineResource,attr"`
}

type wfsOwsOp struct {
	Name string `xml:"name,attr"`
	Get  xlink  `xml:"DCP>HTTP>Get"`
	Post xlink  `xml:"DCP>HTTP>Post"`
}

type wfsFeatureType struct {
	Name       string   `xml:"Name"`
	Title      string   `xml:"Title"`
	Abstract   string   `xml:"Abstract"`
	Keywords   []string `xml:"Keywords>Keyword"`
	DefaultCRS string   `xml:"DefaultCRS"`
	DefaultSRS string   `xml:"DefaultSRS"` // 1.1.0 spelling
	SRS        string   `xml:"SRS"`        // 1.0.0 spelling
	OtherCRS   []string `xml:"OtherCRS"`
	OtherSRS   []string `xml:"OtherSRS"`
	WGS84      *struct {
		Lower string `xml:"LowerCorner"`
		Upper string `xml:"UpperCorner"`
	} `xml:"WGS84BoundingBox"`
	LatLon *struct {
		MinX float64 `xml:"minx,attr"`
		MinY float64 `xml:"miny,attr"`
		MaxX float64 `xml:"maxx,attr"`
		MaxY float64 `xml:"maxy,attr"`
	} `xml:"LatLongBoundingBox"`
}

func parseWFS(data []byte) (*Document, error) {
	var raw wfsDoc
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, &ogc.ParseError{Reason: "invalid WFS capabilities document", Err: err}
	}
	version, err := ogc.ParseVersion(ogc.ServiceWFS, raw.Version)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Service:    ogc.ServiceWFS,
		Version:    version,
		Operations: map[ogc.Operation]Endpoint{},
	}
	if raw.Identification.Title != "" {
		doc.Title = raw.Identification.Title
		doc.Abstract = raw.Identification.Abstract
		doc.Keywords = raw.Identification.Keywords
		doc.Fees = raw.Identification.Fees
		doc.AccessConstraints = raw.Identification.AccessConstraints
		doc.OnlineResource = raw.Provider.Site.Href
		doc.Contact = Contact{
			Person:       raw.Provider.Contact.Person,
			Organization: raw.Provider.Name,
			Position:     raw.Provider.Contact.Position,
			Address:      raw.Provider.Contact.Address.Street,
			City:         raw.Provider.Contact.Address.City,
			PostCode:     raw.Provider.Contact.Address.PostCode,
			Country:      raw.Provider.Contact.Address.Country,
			Phone:        raw.Provider.Contact.Phone,
			Email:        raw.Provider.Contact.Address.Email,
		}
	} else {
		doc.Title = raw.Service.Title
		doc.Abstract = raw.Service.Abstract
		doc.Fees = raw.Service.Fees
		doc.AccessConstraints = raw.Service.AccessConstraints
		doc.OnlineResource = raw.Service.OnlineResource
		for _, kw := range strings.Split(raw.Service.Keywords, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				doc.Keywords = append(doc.Keywords, kw)
			}
		}
	}

	for _, op := range raw.OperationsMetadata.Operations {
		if canonical := ogc.CanonicalOperation(op.Name); canonical != "" {
			doc.Operations[canonical] = Endpoint{GetURL: op.Get.Href, PostURL: op.Post.Href}
		}
	}
	for _, op := range raw.Capability.Request.Ops {
		if canonical := ogc.CanonicalOperation(op.XMLName.Local); canonical != "" {
			if _, exists := doc.Operations[canonical]; !exists {
				doc.Operations[canonical] = Endpoint{GetURL: op.Get.URL, PostURL: op.Post.URL}
			}
		}
	}

	for _, ft := range raw.FeatureTypes {
		doc.FeatureTypes = append(doc.FeatureTypes, convertFeatureType(ft))
	}
	return doc, nil
}

func convertFeatureType(raw wfsFeatureType) FeatureType {
	ft := FeatureType{
		Name:     raw.Name,
		Title:    raw.Title,
		Abstract: raw.Abstract,
		Keywords: raw.Keywords,
	}
	def := raw.DefaultCRS
	if def == "" {
		def = raw.DefaultSRS
	}
	if def == "" {
		def = raw.SRS
	}
	ft.DefaultSRID = geo.SRIDFromToken(def)
	for _, tok := range append(raw.OtherCRS, raw.OtherSRS...) {
		if srid := geo.SRIDFromToken(tok); srid != 0 {
			ft.OtherSRIDs = append(ft.OtherSRIDs, srid)
		}
	}
	if raw.WGS84 != nil {
		if bb, ok := parseCorners(raw.WGS84.Lower, raw.WGS84.Upper); ok {
			ft.WGS84Bounds = &bb
		}
	} else if raw.LatLon != nil {
		ft.WGS84Bounds = &geo.BBox{
			MinX: raw.LatLon.MinX, MinY: raw.LatLon.MinY,
			MaxX: raw.LatLon.MaxX, MaxY: raw.LatLon.MaxY,
			SRID: geo.CRSWGS84,
		}
	}
	return ft
}

func parseCorners(lower, upper string) (geo.BBox, bool) {
	lo := strings.Fields(lower)
	hi := strings.Fields(upper)
	if len(lo) < 2 || len(hi) < 2 {
		return geo.BBox{}, false
	}
	minX, err1 := strconv.ParseFloat(lo[0], 64)
	minY, err2 := strconv.ParseFloat(lo[1], 64)
	maxX, err3 := strconv.ParseFloat(hi[0], 64)
	maxY, err4 := strconv.ParseFloat(hi[1], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return geo.BBox{}, false
	}
	return geo.BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, SRID: geo.CRSWGS84}, true
}
