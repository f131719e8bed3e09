// Package capabilities fetches and parses OGC capabilities documents into a
// normalized, version independent description of the remote service.
package capabilities

import (
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// Document is the normalized result of parsing one capabilities document.
// All version specific spellings (SRS vs CRS, LatLonBoundingBox vs
// EX_GeographicBoundingBox) are folded into one shape.
type Document struct {
	Service ogc.ServiceType
	Version ogc.Version

	Title             string
	Abstract          string
	Keywords          []string
	Fees              string
	AccessConstraints string
	OnlineResource    string
	Contact           Contact

	// Operations maps canonical operation names to their endpoints.
	Operations map[ogc.Operation]Endpoint

	// Layers is the WMS layer tree in document order; index 0 is the root.
	// Empty for WFS and CSW.
	Layers *LayerTree

	// FeatureTypes lists the WFS feature types in document order. Empty for
	// WMS and CSW.
	FeatureTypes []FeatureType

	// OutputFormats are the advertised GetMap (WMS) or GetFeature (WFS)
	// output formats.
	OutputFormats []string
}

// Contact is the service provider contact block.
type Contact struct {
	Person       string
	Organization string
	Position     string
	Address      string
	City         string
	PostCode     string
	Country      string
	Phone        string
	Email        string
}

// Endpoint carries the advertised GET and POST URLs of one operation.
type Endpoint struct {
	GetURL  string
	PostURL string
}

// FeatureType is one WFS feature type entry.
type FeatureType struct {
	Name        string
	Title       string
	Abstract    string
	Keywords    []string
	DefaultSRID int
	OtherSRIDs  []int
	WGS84Bounds *geo.BBox
}

// Layer is one node of the WMS layer tree. Fields that the document leaves
// empty are inherited from the parent when the tree is built.
type Layer struct {
	// Name is empty for purely structural group layers.
	Name      string
	Title     string
	Abstract  string
	Keywords  []string
	Queryable bool
	Opaque    bool

	// queryableSet distinguishes an explicit queryable attribute from an
	// absent one, which inherits the parent value.
	queryableSet bool

	SRIDs       []int
	WGS84Bounds *geo.BBox

	MinScale float64
	MaxScale float64

	Styles []Style
}

// Style is one advertised layer style.
type Style struct {
	Name      string
	Title     string
	LegendURL string
}
