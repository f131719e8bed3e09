package ogc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/owsgate/owsgate/internal/geo"
)

// FeatureTypeInfo is what the parser needs to know about a registered
// feature type: its configured default CRS and its element definitions for
// geometry property resolution.
type FeatureTypeInfo struct {
	DefaultSRID int
	Elements    []ElementDef
}

// FeatureTypeResolver looks up feature type details of the proxied service.
type FeatureTypeResolver interface {
	FeatureTypeInfo(ctx context.Context, typeName string) (FeatureTypeInfo, error)
}

// OperationContext is the normalized, immutable representation of one
// inbound proxied operation call. It is created at request start and
// discarded at request end; it is never persisted.
type OperationContext struct {
	Service   ServiceType
	Operation Operation
	Version   Version

	Layers   []string
	TypeName string

	BBox   *geo.BBox
	SRID   int
	SRS    string // normalized "EPSG:<code>"
	PixelX *int
	PixelY *int
	Width  int
	Height int

	Format string
	Count  string
	Filter string // raw filter XML, if any
	Styles string

	// GeomProperty is the resolved geometry property name of the requested
	// feature type (WFS only).
	GeomProperty string

	// RawBody is the original POST XML document, if the request carried one.
	RawBody []byte
	// TransactionVertices are all geometry vertices extracted from
	// INSERT/UPDATE bodies of a Transaction request.
	TransactionVertices []geo.Point

	IsGET bool

	// extra carries the original upper-cased parameters that have no
	// dedicated field, so vendor parameters survive the rewrite.
	extra map[string]string
}

const defaultCRSFamily = "EPSG"

// ParseOperation normalizes an inbound proxied call. GET query parameters
// and form-encoded POST bodies are treated alike; a POST without either is
// parsed as a raw XML operation document.
func ParseOperation(ctx context.Context, r *http.Request, defaultSRID int, resolver FeatureTypeResolver) (OperationContext, error) {
	oc := OperationContext{IsGET: r.Method == http.MethodGet, extra: map[string]string{}}
	if defaultSRID == 0 {
		defaultSRID = geo.CRSWGS84
	}

	params, err := requestParams(r)
	if err != nil {
		return oc, err
	}

	if len(params) == 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return oc, &ParseError{Reason: "read request body", Err: err}
		}
		if len(body) == 0 {
			return oc, &ParseError{Reason: "request carries neither parameters nor a body"}
		}
		if err := oc.parseXMLBody(body); err != nil {
			return oc, err
		}
	} else {
		oc.parseParams(params)
	}

	if oc.Operation == "" {
		return oc, &ParseError{Reason: "missing required parameter REQUEST"}
	}
	if err := oc.inferService(); err != nil {
		return oc, err
	}

	if err := oc.processBBox(); err != nil {
		return oc, err
	}
	if err := oc.processPixelPick(); err != nil {
		return oc, err
	}
	if err := oc.preprocessGetFeature(ctx, defaultSRID, resolver); err != nil {
		return oc, err
	}

	// last resort: a CRS parameter was given but no code extracted yet
	if oc.SRS != "" && oc.SRID == 0 {
		oc.SRID = geo.SRIDFromToken(oc.SRS)
	}
	if oc.SRID != 0 {
		oc.SRS = fmt.Sprintf("%s:%d", defaultCRSFamily, oc.SRID)
		if oc.BBox != nil {
			bb := *oc.BBox
			bb.SRID = oc.SRID
			oc.BBox = &bb
		}
	}
	return oc, nil
}

func requestParams(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	if r.Method == http.MethodGet {
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
		return out, nil
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, &ParseError{Reason: "parse form body", Err: err}
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}
	// POST with query parameters but an XML body is still an XML request;
	// only use the query when it actually names an operation.
	if len(out) == 0 {
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}
	return out, nil
}

// parseParams maps the case-normalized parameter set onto the fixed fields.
func (oc *OperationContext) parseParams(params map[string]string) {
	upper := make(map[string]string, len(params))
	for k, v := range params {
		upper[strings.ToUpper(k)] = v
	}
	for key, val := range upper {
		switch key {
		case "SERVICE":
			if st, err := ParseServiceType(val); err == nil {
				oc.Service = st
			}
		case "REQUEST":
			oc.Operation = CanonicalOperation(val)
		case "LAYERS", "LAYER":
			oc.Layers = splitList(val)
		case "BBOX":
			oc.extra["BBOX"] = val
		case "X", "I":
			if n, err := strconv.Atoi(val); err == nil {
				oc.PixelX = &n
			}
		case "Y", "J":
			if n, err := strconv.Atoi(val); err == nil {
				oc.PixelY = &n
			}
		case "VERSION":
			oc.Version = Version(val)
		case "FORMAT":
			oc.Format = val
		case "SRS", "CRS", "SRSNAME":
			oc.SRS = val
			oc.SRID = geo.SRIDFromToken(val)
		case "WIDTH":
			oc.Width, _ = strconv.Atoi(val)
		case "HEIGHT":
			oc.Height, _ = strconv.Atoi(val)
		case "COUNT", "MAXFEATURES":
			oc.Count = val
		case "FILTER":
			oc.Filter = val
		case "TYPENAME", "TYPENAMES":
			oc.TypeName = val
		case "STYLES":
			oc.Styles = val
		default:
			oc.extra[key] = val
		}
	}
}

func (oc *OperationContext) inferService() error {
	if oc.Service != "" {
		return nil
	}
	switch oc.Operation {
	case OpGetMap, OpGetFeatureInfo, OpGetLegendGraphic:
		oc.Service = ServiceWMS
	case OpGetFeature, OpDescribeFeatureType, OpTransaction:
		oc.Service = ServiceWFS
	default:
		return &UnsupportedRequestError{Reason: fmt.Sprintf("cannot infer service type for operation %q", oc.Operation)}
	}
	return nil
}

// processBBox splits a raw BBOX parameter: a non-numeric trailing element is
// the CRS token, the rest are the four coordinates.
func (oc *OperationContext) processBBox() error {
	raw, ok := oc.extra["BBOX"]
	if !ok || raw == "" {
		return nil
	}
	delete(oc.extra, "BBOX")
	bb, crsToken, err := geo.ParseBBOX(raw)
	if err != nil {
		return &ParseError{Reason: "invalid BBOX parameter", Err: err}
	}
	if crsToken != "" && oc.SRS == "" {
		oc.SRS = crsToken
		oc.SRID = geo.SRIDFromToken(crsToken)
	}
	if oc.SRID != 0 {
		bb.SRID = oc.SRID
	}
	oc.BBox = &bb
	return nil
}

func (oc *OperationContext) processPixelPick() error {
	if oc.PixelX == nil && oc.PixelY == nil {
		return nil
	}
	if oc.PixelX == nil || oc.PixelY == nil {
		missing := "X"
		if oc.PixelY == nil {
			missing = "Y"
		}
		return &ParseError{Reason: fmt.Sprintf("pixel pick parameter %s is missing", missing)}
	}
	if oc.Width <= 0 || oc.Height <= 0 {
		return &ParseError{Reason: "pixel pick requires WIDTH and HEIGHT"}
	}
	if oc.BBox == nil {
		return &ParseError{Reason: "pixel pick requires BBOX"}
	}
	return nil
}

// PickCoord converts the pixel pick into spatial coordinates of the request
// bounding box. The image origin is the upper left corner.
func (oc OperationContext) PickCoord() (geo.Point, bool) {
	if oc.PixelX == nil || oc.PixelY == nil || oc.BBox == nil || oc.Width <= 0 || oc.Height <= 0 {
		return geo.Point{}, false
	}
	return geo.PixelToCoord(*oc.BBox, oc.Width, oc.Height, *oc.PixelX, *oc.PixelY), true
}

// preprocessGetFeature fills the CRS fallback chain for WFS GetFeature
// (explicit parameter, feature type default, global default) and resolves
// the geometry property name of the requested feature type.
func (oc *OperationContext) preprocessGetFeature(ctx context.Context, defaultSRID int, resolver FeatureTypeResolver) error {
	if oc.Operation != OpGetFeature || oc.TypeName == "" || resolver == nil {
		return nil
	}
	info, err := resolver.FeatureTypeInfo(ctx, oc.TypeName)
	if err != nil {
		return err
	}
	if oc.SRS == "" {
		srid := info.DefaultSRID
		if srid == 0 {
			srid = defaultSRID
		}
		oc.SRID = srid
		oc.SRS = fmt.Sprintf("%s:%d", defaultCRSFamily, srid)
	}
	oc.GeomProperty = ResolveGeometryProperty(info.Elements)
	return nil
}

// Params re-serializes the context with version-correct parameter names:
// CRS vs SRS vs SRSNAME, COUNT vs MAXFEATURES, TYPENAME vs TYPENAMES.
func (oc OperationContext) Params() url.Values {
	v := url.Values{}
	for k, val := range oc.extra {
		v.Set(k, val)
	}
	v.Set("SERVICE", string(oc.Service))
	v.Set("REQUEST", oc.Operation.WireName())
	if oc.Version != "" {
		v.Set("VERSION", string(oc.Version))
	}
	if oc.Format != "" {
		v.Set("FORMAT", oc.Format)
	}
	if len(oc.Layers) > 0 {
		v.Set("LAYERS", strings.Join(oc.Layers, ","))
	}
	if oc.Styles != "" {
		v.Set("STYLES", oc.Styles)
	}
	if oc.BBox != nil {
		v.Set("BBOX", oc.BBox.String())
	}
	if oc.Width > 0 {
		v.Set("WIDTH", strconv.Itoa(oc.Width))
	}
	if oc.Height > 0 {
		v.Set("HEIGHT", strconv.Itoa(oc.Height))
	}
	if oc.SRS != "" {
		v.Set(oc.Version.CRSParamName(oc.Service), oc.SRS)
	}
	if oc.Count != "" {
		v.Set(oc.Version.CountParamName(), oc.Count)
	}
	if oc.TypeName != "" {
		v.Set(oc.Version.TypeNameParamName(oc.Operation), oc.TypeName)
	}
	if oc.Filter != "" {
		v.Set("FILTER", oc.Filter)
	}
	if oc.PixelX != nil && oc.PixelY != nil {
		xName, yName := oc.Version.PixelParamNames()
		v.Set(xName, strconv.Itoa(*oc.PixelX))
		v.Set(yName, strconv.Itoa(*oc.PixelY))
	}
	return v
}

// WithLayers returns a copy with the layer list replaced (used after leaf
// expansion and sub-layer filtering). The original POST document no longer
// matches the rewritten call and is discarded, so the outbound body is
// rebuilt from the fields.
func (oc OperationContext) WithLayers(layers []string) OperationContext {
	oc.Layers = layers
	oc.RawBody = nil
	return oc
}

// WithFilter returns a copy with the filter replaced and, when drop is set,
// the BBOX removed. Filter and BBOX cannot coexist in one WFS request. The
// original POST document no longer matches the rewritten call and is
// discarded, so the outbound body is rebuilt from the fields.
func (oc OperationContext) WithFilter(filter string, dropBBox bool) OperationContext {
	oc.Filter = filter
	if dropBBox {
		oc.BBox = nil
	}
	oc.RawBody = nil
	return oc
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
