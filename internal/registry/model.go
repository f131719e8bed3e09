// Package registry persists registered services and answers the lookups the
// proxy needs on its hot path.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// Service is one registered remote service.
type Service struct {
	ID      uuid.UUID
	Ident   string // stable external identifier used in proxy URLs
	Type    ogc.ServiceType
	Version ogc.Version

	Title             string
	Abstract          string
	Keywords          []string
	Fees              string
	AccessConstraints string
	OnlineResource    string

	// Active is cleared when the service is deactivated; proxied calls are
	// refused with a locked status until it is set again.
	Active bool
	// Deleted marks a soft deleted service. Soft deleted services are
	// invisible to every lookup but their rows survive for audit.
	Deleted bool

	// Operations maps canonical operation names to the advertised origin
	// endpoints.
	Operations map[ogc.Operation]Endpoint

	// AuthCredentialID references stored credentials the proxy presents to
	// the origin. Nil for open services.
	AuthCredentialID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Endpoint mirrors the capabilities endpoints plus an optional override
// that, when set, wins over what the origin advertises.
type Endpoint struct {
	GetURL      string
	PostURL     string
	OverrideURL string
}

// Resolve returns the effective URL for the given method preference. The
// override always wins, then the matching advertised URL, then the other
// method's URL as a last resort.
func (e Endpoint) Resolve(post bool) string {
	if e.OverrideURL != "" {
		return e.OverrideURL
	}
	if post {
		if e.PostURL != "" {
			return e.PostURL
		}
		return e.GetURL
	}
	if e.GetURL != "" {
		return e.GetURL
	}
	return e.PostURL
}

// Layer is one persisted WMS layer tree node.
type Layer struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
	ParentID  *uuid.UUID
	// Position is the index among siblings, so document order survives.
	Position int

	Name        string
	Title       string
	Abstract    string
	Queryable   bool
	SRIDs       []int
	WGS84Bounds *geo.BBox
}

// FeatureType is one persisted WFS feature type.
type FeatureType struct {
	ID        uuid.UUID
	ServiceID uuid.UUID

	Name        string
	Title       string
	Abstract    string
	DefaultSRID int
	WGS84Bounds *geo.BBox

	// Elements is the flattened DescribeFeatureType result, used to find
	// the geometry property. Empty until the schema has been fetched.
	Elements []ogc.ElementDef
}

// SecuredOperation grants a set of caller groups access to operations on
// one entity (a layer or a feature type), optionally restricted to an area.
type SecuredOperation struct {
	ID        uuid.UUID
	ServiceID uuid.UUID
	// EntityName is the layer or feature type name the rule is bound to.
	EntityName string
	// Operations the rule allows, canonical names.
	Operations []ogc.Operation
	// Groups that benefit from the rule. Empty means the rule applies to
	// every caller.
	Groups []string
	// Area restricts the grant spatially. Nil means allowed everywhere.
	Area *geo.Geometry
}

// AllowsOperation reports whether the rule covers the operation.
func (s SecuredOperation) AllowsOperation(op ogc.Operation) bool {
	for _, o := range s.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// AllowsGroup reports whether the rule applies to any of the caller groups.
func (s SecuredOperation) AllowsGroup(groups []string) bool {
	if len(s.Groups) == 0 {
		return true
	}
	for _, g := range s.Groups {
		for _, cg := range groups {
			if g == cg {
				return true
			}
		}
	}
	return false
}

// AuthCredential holds what the proxy presents to a protected origin.
// Secrets are stored encrypted at rest by the database role setup, the
// application treats them as opaque.
type AuthCredential struct {
	ID       uuid.UUID
	Type     string // basic, digest or bearer
	Username string
	Password string
	Token    string
}

// Snapshot bundles everything the proxy needs about one service. It is the
// unit the hot path caches.
type Snapshot struct {
	Service      Service
	Layers       *capabilities.LayerTree
	LayerIDs     map[string]uuid.UUID
	FeatureTypes map[string]FeatureType
	Secured      []SecuredOperation
}

// IsSecured reports whether any access rule exists for the service. An
// unsecured service skips evaluation entirely.
func (s *Snapshot) IsSecured() bool {
	return len(s.Secured) > 0
}

// RulesFor returns the rules bound to the entity that cover the operation
// and at least one caller group.
func (s *Snapshot) RulesFor(entity string, op ogc.Operation, groups []string) []SecuredOperation {
	var out []SecuredOperation
	for _, rule := range s.Secured {
		if rule.EntityName == entity && rule.AllowsOperation(op) && rule.AllowsGroup(groups) {
			out = append(out, rule)
		}
	}
	return out
}
