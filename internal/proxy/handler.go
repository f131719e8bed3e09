package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/mask"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/secure"
)

// callerIDHeader names the authenticated principal; group membership
// arrives in the configurable group header. Both are set by the fronting
// auth layer, never by end users.
const callerIDHeader = "X-Caller-ID"

// Handler is the secured OWS endpoint: parse, evaluate, rewrite, relay,
// mask.
type Handler struct {
	reg         *registry.Registry
	eval        *secure.Evaluator
	inv         *Invoker
	masker      *mask.Engine
	groupHeader string
	defaultSRID int
	log         zerolog.Logger
}

func NewHandler(reg *registry.Registry, eval *secure.Evaluator, inv *Invoker, masker *mask.Engine, groupHeader string, defaultSRID int, log zerolog.Logger) *Handler {
	if groupHeader == "" {
		groupHeader = "X-Caller-Groups"
	}
	return &Handler{
		reg:         reg,
		eval:        eval,
		inv:         inv,
		masker:      masker,
		groupHeader: groupHeader,
		defaultSRID: defaultSRID,
		log:         log,
	}
}

// Routes mounts the proxy endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ows/{ident}", h.serve)
	r.Post("/ows/{ident}", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := chi.URLParam(r, "ident")
	log := h.log.With().Str("ident", ident).Logger()

	snap, err := h.reg.Snapshot(ctx, ident)
	if err != nil {
		h.writeError(w, log, err)
		return
	}
	if !snap.Service.Active {
		log.Info().Msg("service deactivated")
		http.Error(w, "service is deactivated", http.StatusLocked)
		return
	}

	oc, err := ogc.ParseOperation(ctx, r, h.defaultSRID, h.reg.ResolverFor(snap))
	if err != nil {
		h.writeError(w, log, err)
		return
	}
	log = log.With().Str("operation", string(oc.Operation)).Logger()

	caller := secure.Caller{
		ID:     r.Header.Get(callerIDHeader),
		Groups: splitHeader(r.Header.Get(h.groupHeader)),
	}
	dec, err := h.eval.Evaluate(ctx, snap, oc, caller)
	if err != nil {
		h.writeError(w, log, err)
		return
	}

	oc, err = rewrite(oc, dec)
	if err != nil {
		h.writeError(w, log, err)
		return
	}

	cred, err := h.credentials(ctx, snap)
	if err != nil {
		h.writeError(w, log, err)
		return
	}

	resp, err := h.inv.Invoke(ctx, snap, oc, cred)
	if err != nil {
		h.writeError(w, log, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		h.writeError(w, log, &ogc.UpstreamError{Status: resp.StatusCode})
		return
	}

	body, ct := resp.Body, resp.ContentType
	if needsMask(oc, dec) && isImage(ct) {
		if oc.BBox == nil || oc.Width <= 0 || oc.Height <= 0 {
			h.writeError(w, log, &ogc.ParseError{Reason: "masked GetMap requires BBOX, WIDTH and HEIGHT"})
			return
		}
		// nil restriction means caption-only: every grant is area-less but
		// denied layers still need their captions
		allowed := oc.BBox.Polygon()
		if dec.Restriction != nil {
			allowed = *dec.Restriction
		}
		body, ct, err = h.masker.Apply(ctx, body, ct, allowed, *oc.BBox, oc.Width, oc.Height, dec.DeniedLayers)
		if err != nil {
			// an unmasked image must never leave the process
			h.writeError(w, log, err)
			return
		}
	}

	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// rewrite applies the access decision to the outbound call. Denied map
// layers are dropped from the LAYERS list so the origin never renders
// them. A GetFeature restriction becomes a Within filter AND-merged with
// whatever spatial constraints the caller sent; BBOX cannot coexist with
// FILTER and is folded into it.
func rewrite(oc ogc.OperationContext, dec secure.Decision) (ogc.OperationContext, error) {
	if dec.FullAccess {
		return oc, nil
	}
	if oc.Operation == ogc.OpGetMap {
		// with no leaf allowed the layer list stays as sent; the empty
		// restriction union masks the whole response anyway
		if len(dec.DeniedLayers) > 0 && len(dec.AllowedLayers) > 0 {
			oc = oc.WithLayers(dec.AllowedLayers)
		}
		return oc, nil
	}
	if dec.Restriction == nil || oc.Operation != ogc.OpGetFeature {
		return oc, nil
	}

	restricted, err := dec.Restriction.Transform(oc.SRID)
	if err != nil {
		return oc, &ogc.UnsupportedRequestError{Reason: err.Error()}
	}
	filter := ogc.WithinFilter(oc.Version, oc.GeomProperty, restricted)
	if oc.Filter != "" {
		filter = ogc.MergeFilters(oc.Version, oc.Filter, filter)
	}
	if oc.BBox != nil {
		filter = ogc.MergeFilters(oc.Version, ogc.BBoxFilter(oc.Version, oc.GeomProperty, *oc.BBox), filter)
	}
	return oc.WithFilter(filter, true), nil
}

func needsMask(oc ogc.OperationContext, dec secure.Decision) bool {
	if oc.Operation != ogc.OpGetMap || dec.FullAccess {
		return false
	}
	return dec.Restriction != nil || len(dec.DeniedLayers) > 0
}

func isImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

func (h *Handler) credentials(ctx context.Context, snap *registry.Snapshot) (*httpclient.Credentials, error) {
	if snap.Service.AuthCredentialID == nil {
		return nil, nil
	}
	cred, err := h.reg.Credential(ctx, *snap.Service.AuthCredentialID)
	if err != nil {
		return nil, err
	}
	return &httpclient.Credentials{
		Type:     httpclient.AuthType(cred.Type),
		Username: cred.Username,
		Password: cred.Password,
		Token:    cred.Token,
	}, nil
}

// writeError maps the taxonomy onto a status and keeps origin details out
// of the response body. Denials are routine, everything else is logged as
// a warning.
func (h *Handler) writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := ogc.HTTPStatus(err)
	if status == http.StatusForbidden {
		log.Info().Err(err).Msg("access denied")
	} else {
		log.Warn().Err(err).Int("status", status).Msg("proxied request failed")
	}
	http.Error(w, http.StatusText(status), status)
}

func splitHeader(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
