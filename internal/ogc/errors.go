package ogc

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError marks an origin that could not be reached at all
// (DNS, connect, timeout). The status is conceptually <= 0.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("origin unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError marks an origin that answered with a failure status not
// eligible for the POST encoding fallback.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("origin returned status %d", e.Status)
}

// ParseError marks malformed or structurally incomplete XML or parameters.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnsupportedRequestError marks a request shape the mediation engine
// refuses, e.g. multiple <Query> elements or an unknown service/version.
type UnsupportedRequestError struct {
	Reason string
}

func (e *UnsupportedRequestError) Error() string { return e.Reason }

// AccessDeniedError is the routine denial outcome for non-image operations.
type AccessDeniedError struct {
	Operation Operation
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for operation %s", e.Operation.WireName())
}

// NotFoundError marks an unknown service, layer, or feature type name.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// HTTPStatus maps the error taxonomy onto the proxy's response statuses.
// Internal origin URLs and credentials must never appear in response
// bodies, so callers pair this with a generic message.
func HTTPStatus(err error) int {
	var (
		te *TransportError
		ue *UpstreamError
		pe *ParseError
		re *UnsupportedRequestError
		ae *AccessDeniedError
		ne *NotFoundError
	)
	switch {
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &ae):
		return http.StatusForbidden
	case errors.As(err, &re), errors.As(err, &pe):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
