package secure

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
)

func testTree() *capabilities.LayerTree {
	t := capabilities.NewLayerTree(capabilities.Layer{Title: "root"})
	roads := t.Add(0, capabilities.Layer{Name: "roads"})
	t.Add(roads, capabilities.Layer{Name: "roads_major"})
	t.Add(roads, capabilities.Layer{Name: "roads_minor"})
	t.Add(0, capabilities.Layer{Name: "rivers"})
	return t
}

func area(minX, minY, maxX, maxY float64) *geo.Geometry {
	g := geo.BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, SRID: geo.CRSWGS84}.Polygon()
	return &g
}

func wmsSnapshot(rules ...registry.SecuredOperation) *registry.Snapshot {
	return &registry.Snapshot{Layers: testTree(), Secured: rules}
}

func getMapContext(layers ...string) ogc.OperationContext {
	return ogc.OperationContext{
		Service:   ogc.ServiceWMS,
		Operation: ogc.OpGetMap,
		Version:   ogc.WMS130,
		Layers:    layers,
		SRID:      geo.CRSWGS84,
	}
}

func TestEvaluate_UnsecuredServicePasses(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	dec, err := e.Evaluate(context.Background(), wmsSnapshot(), getMapContext("roads"), Caller{})
	if err != nil || !dec.FullAccess {
		t.Fatalf("unsecured service must pass: %+v %v", dec, err)
	}
}

func TestEvaluate_UnsecuredOperationPasses(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(registry.SecuredOperation{
		EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetMap},
	})
	oc := getMapContext()
	oc.Operation = ogc.OpGetCapabilities
	dec, err := e.Evaluate(context.Background(), snap, oc, Caller{})
	if err != nil || !dec.FullAccess {
		t.Fatalf("GetCapabilities is never evaluated: %+v %v", dec, err)
	}
}

func TestGetMap_UnlimitedRuleMeansFullAccess(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(
		registry.SecuredOperation{EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetMap}},
		registry.SecuredOperation{EntityName: "roads_minor", Operations: []ogc.Operation{ogc.OpGetMap}},
	)
	// "roads" expands to its two leaf layers before rules are looked up
	dec, err := e.Evaluate(context.Background(), snap, getMapContext("roads"), Caller{})
	if err != nil || !dec.FullAccess {
		t.Fatalf("decision = %+v err = %v", dec, err)
	}
}

func TestGetMap_UnlimitedLeafDoesNotFreeSiblings(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(
		registry.SecuredOperation{EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetMap}},
	)
	// roads_minor has no rule at all, so the one area-less grant on
	// roads_major must not open the whole composite
	dec, err := e.Evaluate(context.Background(), snap, getMapContext("roads"), Caller{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.FullAccess {
		t.Fatalf("decision = %+v", dec)
	}
	if len(dec.AllowedLayers) != 1 || dec.AllowedLayers[0] != "roads_major" {
		t.Fatalf("allowed = %v", dec.AllowedLayers)
	}
	if len(dec.DeniedLayers) != 1 || dec.DeniedLayers[0] != "roads_minor" {
		t.Fatalf("denied = %v", dec.DeniedLayers)
	}
	if dec.Restriction != nil {
		t.Fatalf("area-less grants need captions only, restriction = %+v", dec.Restriction)
	}
}

func TestGetMap_UnlimitedLeafStillBoundBySiblingArea(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(
		registry.SecuredOperation{EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetMap}},
		registry.SecuredOperation{EntityName: "roads_minor", Operations: []ogc.Operation{ogc.OpGetMap}, Area: area(0, 0, 1, 1)},
	)
	dec, err := e.Evaluate(context.Background(), snap, getMapContext("roads"), Caller{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.FullAccess || dec.Restriction == nil {
		t.Fatalf("decision = %+v", dec)
	}
	if !dec.Restriction.Covers(geo.Point{X: 0.5, Y: 0.5}) {
		t.Fatal("restriction must cover the bounded rule area")
	}
	if dec.Restriction.Covers(geo.Point{X: 5, Y: 5}) {
		t.Fatal("restriction must not extend past the bounded rule area")
	}
	if len(dec.DeniedLayers) != 0 {
		t.Fatalf("denied = %v", dec.DeniedLayers)
	}
}

func TestGetMap_RestrictionIsUnionOfRuleAreas(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(
		registry.SecuredOperation{EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetMap}, Area: area(0, 0, 1, 1)},
		registry.SecuredOperation{EntityName: "roads_minor", Operations: []ogc.Operation{ogc.OpGetMap}, Area: area(5, 5, 6, 6)},
	)
	dec, err := e.Evaluate(context.Background(), snap, getMapContext("roads"), Caller{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.FullAccess || dec.Restriction == nil {
		t.Fatalf("decision = %+v", dec)
	}
	if !dec.Restriction.Covers(geo.Point{X: 0.5, Y: 0.5}) || !dec.Restriction.Covers(geo.Point{X: 5.5, Y: 5.5}) {
		t.Fatal("union must cover both rule areas")
	}
	if dec.Restriction.Covers(geo.Point{X: 3, Y: 3}) {
		t.Fatal("union must not cover the gap")
	}
}

func TestGetMap_NoRulesMeansFullyMasked(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(registry.SecuredOperation{
		EntityName: "rivers", Operations: []ogc.Operation{ogc.OpGetMap}, Groups: []string{"staff"},
	})
	// anonymous caller, the only rule is group bound
	dec, err := e.Evaluate(context.Background(), snap, getMapContext("rivers"), Caller{})
	if err != nil {
		t.Fatalf("GetMap is never denied outright: %v", err)
	}
	if dec.FullAccess || dec.Restriction == nil || !dec.Restriction.Empty() {
		t.Fatalf("expected an empty visible area: %+v", dec)
	}
	if len(dec.DeniedLayers) != 1 || dec.DeniedLayers[0] != "rivers" {
		t.Fatalf("denied = %v", dec.DeniedLayers)
	}
}

func featureInfoContext(x, y int) ogc.OperationContext {
	bb := geo.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: geo.CRSWGS84}
	return ogc.OperationContext{
		Service:   ogc.ServiceWMS,
		Operation: ogc.OpGetFeatureInfo,
		Version:   ogc.WMS130,
		Layers:    []string{"rivers"},
		BBox:      &bb,
		SRID:      geo.CRSWGS84,
		PixelX:    &x,
		PixelY:    &y,
		Width:     100,
		Height:    100,
	}
}

func TestGetFeatureInfo_PickInsideAllowedArea(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(registry.SecuredOperation{
		EntityName: "rivers", Operations: []ogc.Operation{ogc.OpGetFeatureInfo}, Area: area(0, 5, 10, 10),
	})
	// pixel row 10 of 100 sits near the top, well inside y in [5,10]
	dec, err := e.Evaluate(context.Background(), snap, featureInfoContext(50, 10), Caller{})
	if err != nil || !dec.FullAccess {
		t.Fatalf("decision = %+v err = %v", dec, err)
	}
}

func TestGetFeatureInfo_PickOutsideDenied(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(registry.SecuredOperation{
		EntityName: "rivers", Operations: []ogc.Operation{ogc.OpGetFeatureInfo}, Area: area(0, 5, 10, 10),
	})
	// pixel row 90 maps to y=1, outside the allowed area
	_, err := e.Evaluate(context.Background(), snap, featureInfoContext(50, 90), Caller{})
	var ad *ogc.AccessDeniedError
	if !errors.As(err, &ad) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
}

func TestGetFeatureInfo_NoRuleDenied(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wmsSnapshot(registry.SecuredOperation{
		EntityName: "roads_major", Operations: []ogc.Operation{ogc.OpGetFeatureInfo},
	})
	_, err := e.Evaluate(context.Background(), snap, featureInfoContext(50, 50), Caller{})
	var ad *ogc.AccessDeniedError
	if !errors.As(err, &ad) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
}

func wfsSnapshot(rules ...registry.SecuredOperation) *registry.Snapshot {
	return &registry.Snapshot{Secured: rules}
}

func TestGetFeature_RestrictionInRequestCRS(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wfsSnapshot(registry.SecuredOperation{
		EntityName: "ns:parcels", Operations: []ogc.Operation{ogc.OpGetFeature}, Area: area(0, 0, 1, 1),
	})
	oc := ogc.OperationContext{
		Service:   ogc.ServiceWFS,
		Operation: ogc.OpGetFeature,
		Version:   ogc.WFS200,
		TypeName:  "ns:parcels",
		SRID:      geo.CRSWebMercator,
	}
	dec, err := e.Evaluate(context.Background(), snap, oc, Caller{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.FullAccess || dec.Restriction == nil {
		t.Fatalf("decision = %+v", dec)
	}
	if dec.Restriction.SRID != geo.CRSWebMercator {
		t.Fatalf("restriction must travel in the request CRS, got EPSG:%d", dec.Restriction.SRID)
	}
}

func TestGetFeature_NoRuleDenied(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	// a service with no rules at all is unsecured, so seed an unrelated one
	snap := wfsSnapshot(registry.SecuredOperation{EntityName: "ns:other", Operations: []ogc.Operation{ogc.OpGetFeature}})
	_, err := e.Evaluate(context.Background(), snap, ogc.OperationContext{
		Service: ogc.ServiceWFS, Operation: ogc.OpGetFeature, TypeName: "ns:parcels",
	}, Caller{})
	var ad *ogc.AccessDeniedError
	if !errors.As(err, &ad) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
}

func TestTransaction_AllVerticesMustBeCovered(t *testing.T) {
	e := NewEvaluator(0, zerolog.Nop())
	snap := wfsSnapshot(registry.SecuredOperation{
		EntityName: "ns:parcels", Operations: []ogc.Operation{ogc.OpTransaction}, Area: area(0, 0, 10, 10),
	})
	oc := ogc.OperationContext{
		Service:   ogc.ServiceWFS,
		Operation: ogc.OpTransaction,
		TypeName:  "ns:parcels",
		SRID:      geo.CRSWGS84,
		TransactionVertices: []geo.Point{
			{X: 1, Y: 1}, {X: 9, Y: 9}, {X: 10, Y: 10},
		},
	}
	dec, err := e.Evaluate(context.Background(), snap, oc, Caller{})
	if err != nil || !dec.FullAccess {
		t.Fatalf("boundary vertices count as inside: %+v %v", dec, err)
	}

	oc.TransactionVertices = append(oc.TransactionVertices, geo.Point{X: 11, Y: 1})
	_, err = e.Evaluate(context.Background(), snap, oc, Caller{})
	var ad *ogc.AccessDeniedError
	if !errors.As(err, &ad) {
		t.Fatalf("one vertex outside must deny the whole transaction, got %v", err)
	}
}

func TestRulesCover_CellIndexFastPath(t *testing.T) {
	e := NewEvaluator(5, zerolog.Nop())
	big := geo.BBox{MinX: 7, MinY: 50, MaxX: 8, MaxY: 51, SRID: geo.CRSWGS84}.Polygon()
	rules := []registry.SecuredOperation{{EntityName: "x", Area: &big}}
	covered, err := e.rulesCover(rules, geo.Point{X: 7.5, Y: 50.5}, geo.CRSWGS84)
	if err != nil || !covered {
		t.Fatalf("covered = %v err = %v", covered, err)
	}
	// the second call reuses the cached index
	covered, err = e.rulesCover(rules, geo.Point{X: 20, Y: 20}, geo.CRSWGS84)
	if err != nil || covered {
		t.Fatalf("outside point covered = %v err = %v", covered, err)
	}
}
