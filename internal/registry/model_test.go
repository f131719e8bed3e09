package registry

import (
	"testing"

	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

func TestEndpointResolve(t *testing.T) {
	ep := Endpoint{GetURL: "http://get", PostURL: "http://post"}
	if ep.Resolve(false) != "http://get" || ep.Resolve(true) != "http://post" {
		t.Fatalf("advertised URLs must win per method: %+v", ep)
	}

	ep.OverrideURL = "http://secured"
	if ep.Resolve(false) != "http://secured" || ep.Resolve(true) != "http://secured" {
		t.Fatal("override must win over both methods")
	}

	onlyGet := Endpoint{GetURL: "http://get"}
	if onlyGet.Resolve(true) != "http://get" {
		t.Fatal("missing POST URL falls back to GET")
	}
	onlyPost := Endpoint{PostURL: "http://post"}
	if onlyPost.Resolve(false) != "http://post" {
		t.Fatal("missing GET URL falls back to POST")
	}
}

func TestSecuredOperationMatching(t *testing.T) {
	rule := SecuredOperation{
		EntityName: "roads",
		Operations: []ogc.Operation{ogc.OpGetMap, ogc.OpGetFeatureInfo},
		Groups:     []string{"editors"},
	}
	if !rule.AllowsOperation(ogc.OpGetMap) || rule.AllowsOperation(ogc.OpGetFeature) {
		t.Fatal("operation matching broken")
	}
	if !rule.AllowsGroup([]string{"viewers", "editors"}) {
		t.Fatal("one shared group suffices")
	}
	if rule.AllowsGroup([]string{"viewers"}) {
		t.Fatal("no shared group must not match")
	}

	open := SecuredOperation{EntityName: "roads", Operations: []ogc.Operation{ogc.OpGetMap}}
	if !open.AllowsGroup(nil) {
		t.Fatal("a rule without groups applies to everyone")
	}
}

func TestSnapshotRulesFor(t *testing.T) {
	area := geo.Geometry{SRID: 4326, Polygons: []geo.Polygon{{
		Exterior: geo.Ring{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
	}}}
	snap := &Snapshot{Secured: []SecuredOperation{
		{EntityName: "roads", Operations: []ogc.Operation{ogc.OpGetMap}, Groups: []string{"a"}, Area: &area},
		{EntityName: "roads", Operations: []ogc.Operation{ogc.OpGetMap}, Groups: []string{"b"}},
		{EntityName: "rivers", Operations: []ogc.Operation{ogc.OpGetMap}},
	}}
	if !snap.IsSecured() {
		t.Fatal("rules present means secured")
	}
	got := snap.RulesFor("roads", ogc.OpGetMap, []string{"a"})
	if len(got) != 1 || got[0].Area == nil {
		t.Fatalf("rules = %+v", got)
	}
	if rules := snap.RulesFor("roads", ogc.OpGetFeatureInfo, []string{"a"}); len(rules) != 0 {
		t.Fatal("operation mismatch must not match")
	}
	if (&Snapshot{}).IsSecured() {
		t.Fatal("no rules means unsecured")
	}
}

func TestQuerySep(t *testing.T) {
	cases := map[string]string{
		"http://x/ows":       "?",
		"http://x/ows?":      "",
		"http://x/ows?map=1": "&",
	}
	for base, want := range cases {
		if got := querySep(base); got != want {
			t.Fatalf("querySep(%q) = %q, want %q", base, got, want)
		}
	}
}
