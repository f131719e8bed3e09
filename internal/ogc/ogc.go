// Package ogc implements the OGC operation mediation primitives: the
// normalized operation context parsed from an inbound WMS/WFS call, the
// version-dependent parameter naming rules, and the spatial filter XML used
// to restrict WFS requests.
package ogc

import (
	"fmt"
	"strings"
)

type ServiceType string

const (
	ServiceWMS ServiceType = "WMS"
	ServiceWFS ServiceType = "WFS"
	ServiceCSW ServiceType = "CSW"
)

func ParseServiceType(s string) (ServiceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WMS":
		return ServiceWMS, nil
	case "WFS":
		return ServiceWFS, nil
	case "CSW":
		return ServiceCSW, nil
	default:
		return "", &UnsupportedRequestError{Reason: fmt.Sprintf("unknown service type %q", s)}
	}
}

// Version is one of the supported OGC protocol versions. The OGC
// specifications are not forward or backward compatible in parameter and
// element naming, so all naming decisions go through Version methods
// instead of scattered conditionals.
type Version string

const (
	WMS100 Version = "1.0.0"
	WMS110 Version = "1.1.0"
	WMS111 Version = "1.1.1"
	WMS130 Version = "1.3.0"
	WFS100 Version = "1.0.0"
	WFS110 Version = "1.1.0"
	WFS200 Version = "2.0.0"
	WFS202 Version = "2.0.2"
)

func SupportedVersions(st ServiceType) []Version {
	switch st {
	case ServiceWMS:
		return []Version{WMS100, WMS110, WMS111, WMS130}
	case ServiceWFS:
		return []Version{WFS100, WFS110, WFS200, WFS202}
	default:
		return nil
	}
}

func ParseVersion(st ServiceType, s string) (Version, error) {
	v := Version(strings.TrimSpace(s))
	for _, sv := range SupportedVersions(st) {
		if v == sv {
			return v, nil
		}
	}
	return "", &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported %s version %q", st, s)}
}

// IsWFS2 reports whether the version uses the WFS 2.x parameter names.
func (v Version) IsWFS2() bool {
	return v == WFS200 || v == WFS202
}

// CRSParamName returns the name of the spatial reference parameter for the
// given service: SRS up to WMS 1.1.1, CRS for WMS 1.3.0, SRSNAME for WFS.
func (v Version) CRSParamName(st ServiceType) string {
	if st == ServiceWFS {
		return "SRSNAME"
	}
	if v == WMS130 {
		return "CRS"
	}
	return "SRS"
}

// PixelParamNames returns the GetFeatureInfo pick parameter names: X/Y
// before WMS 1.3.0, I/J from 1.3.0 on.
func (v Version) PixelParamNames() (string, string) {
	if v == WMS130 {
		return "I", "J"
	}
	return "X", "Y"
}

// CountParamName returns MAXFEATURES for WFS 1.x and COUNT for WFS 2.x.
func (v Version) CountParamName() string {
	if v.IsWFS2() {
		return "COUNT"
	}
	return "MAXFEATURES"
}

// TypeNameParamName returns TYPENAMES for WFS 2.x, except for
// DescribeFeatureType which kept the 1.x spelling TYPENAME in all versions.
func (v Version) TypeNameParamName(op Operation) string {
	if v.IsWFS2() && op != OpDescribeFeatureType {
		return "TYPENAMES"
	}
	return "TYPENAME"
}

// FilterNamespace returns the filter namespace of the version: ogc for
// 1.x, fes for WFS 2.x.
func (v Version) FilterNamespace() (prefix, uri string) {
	if v.IsWFS2() {
		return "fes", "http://www.opengis.net/fes/2.0"
	}
	return "ogc", "http://www.opengis.net/ogc"
}

// GMLNamespace returns the gml namespace paired with the filter version.
func (v Version) GMLNamespace() string {
	if v.IsWFS2() {
		return "http://www.opengis.net/gml/3.2"
	}
	return "http://www.opengis.net/gml"
}

// Operation is a canonical (upper case) OGC operation name.
type Operation string

const (
	OpGetCapabilities     Operation = "GETCAPABILITIES"
	OpGetMap              Operation = "GETMAP"
	OpGetFeatureInfo      Operation = "GETFEATUREINFO"
	OpGetLegendGraphic    Operation = "GETLEGENDGRAPHIC"
	OpGetFeature          Operation = "GETFEATURE"
	OpDescribeFeatureType Operation = "DESCRIBEFEATURETYPE"
	OpTransaction         Operation = "TRANSACTION"
	OpGetRecords          Operation = "GETRECORDS"
)

// CanonicalOperation maps a case-insensitive request name to an Operation.
func CanonicalOperation(name string) Operation {
	return Operation(strings.ToUpper(strings.TrimSpace(name)))
}

// wireNames maps canonical operations back to their mixed-case wire form.
var wireNames = map[Operation]string{
	OpGetCapabilities:     "GetCapabilities",
	OpGetMap:              "GetMap",
	OpGetFeatureInfo:      "GetFeatureInfo",
	OpGetLegendGraphic:    "GetLegendGraphic",
	OpGetFeature:          "GetFeature",
	OpDescribeFeatureType: "DescribeFeatureType",
	OpTransaction:         "Transaction",
	OpGetRecords:          "GetRecords",
}

// WireName returns the conventional mixed-case request name.
func (op Operation) WireName() string {
	if n, ok := wireNames[op]; ok {
		return n
	}
	return string(op)
}

// SecuredOperations lists the operations subject to access control
// evaluation; everything else is passed through.
var SecuredOperations = map[Operation]bool{
	OpGetMap:              true,
	OpGetFeatureInfo:      true,
	OpGetFeature:          true,
	OpDescribeFeatureType: true,
	OpTransaction:         true,
}

// GeometryElementIdentifiers is the fixed allow-list of type-name
// substrings that mark a feature type element as the geometry property.
// First match wins.
var GeometryElementIdentifiers = []string{
	"Point",
	"Polygon",
	"LineString",
	"Surface",
	"Curve",
	"Geometry",
}

// ResolveGeometryProperty scans element (name, type) pairs for the first
// element whose type contains a recognized geometry identifier.
func ResolveGeometryProperty(elements []ElementDef) string {
	for _, ident := range GeometryElementIdentifiers {
		for _, el := range elements {
			if strings.Contains(el.Type, ident) {
				return el.Name
			}
		}
	}
	return ""
}

// ElementDef is one property definition of a feature type.
type ElementDef struct {
	Name string
	Type string
}
