// Package api is the management surface of the gateway: service
// registration, activation, access rules and harvest runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/httpclient"
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/harvest"
	"github.com/owsgate/owsgate/internal/logger"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
	"github.com/owsgate/owsgate/internal/task"
)

// taskRetention is how long a finished task stays queryable before its
// progress record is evicted.
const taskRetention = time.Hour

// Handler serves the management API. Registration and harvest runs are
// asynchronous; their progress is kept in memory and queried by task id
// until the retention window expires.
type Handler struct {
	reg       *registry.Registry
	harv      *harvest.Harvester
	log       zerolog.Logger
	retention time.Duration

	mu    sync.Mutex
	tasks map[string]*task.Progress
}

func NewHandler(reg *registry.Registry, harv *harvest.Harvester, log zerolog.Logger) *Handler {
	return &Handler{
		reg:       reg,
		harv:      harv,
		log:       log,
		retention: taskRetention,
		tasks:     map[string]*task.Progress{},
	}
}

// Routes mounts the management endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/services", func(r chi.Router) {
		r.Post("/", h.register)
		r.Route("/{ident}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/refresh", h.refresh)
			r.Patch("/", h.patch)
			r.Delete("/", h.delete)
			r.Put("/rules", h.putRule)
			r.Delete("/rules/{id}", h.deleteRule)
			r.Post("/harvest", h.startHarvest)
		})
	})
	r.Post("/credentials", h.createCredential)
	r.Get("/tasks/{id}", h.taskState)
}

type credentialRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// createCredential stores origin credentials referenced at registration
// time. Secrets are write only; nothing reads them back out.
func (h *Handler) createCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch httpclient.AuthType(req.Type) {
	case httpclient.AuthBasic, httpclient.AuthDigest:
		if req.Username == "" || req.Password == "" {
			http.Error(w, "username and password are required", http.StatusBadRequest)
			return
		}
	case httpclient.AuthBearer:
		if req.Token == "" {
			http.Error(w, "token is required", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "type must be basic, digest or bearer", http.StatusBadRequest)
		return
	}
	cred := registry.AuthCredential{
		ID:       uuid.New(),
		Type:     req.Type,
		Username: req.Username,
		Password: req.Password,
		Token:    req.Token,
	}
	if err := h.reg.SaveCredential(r.Context(), &cred); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": cred.ID.String()})
}

type registerRequest struct {
	Ident           string `json:"ident"`
	CapabilitiesURL string `json:"capabilities_url"`
	Service         string `json:"service"`
	Version         string `json:"version"`
	CredentialID    string `json:"credential_id"`
}

type serviceSummary struct {
	Ident    string `json:"ident"`
	Type     string `json:"type"`
	Version  string `json:"version"`
	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty"`
	Active   bool   `json:"active"`
	Layers   int    `json:"layers"`
	Types    int    `json:"feature_types"`
	Rules    int    `json:"rules"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.Ident = strings.TrimSpace(req.Ident)
	if req.Ident == "" || req.CapabilitiesURL == "" {
		http.Error(w, "ident and capabilities_url are required", http.StatusBadRequest)
		return
	}
	st, err := ogc.ParseServiceType(req.Service)
	if err != nil {
		h.writeError(w, err)
		return
	}
	version := ogc.Version(strings.TrimSpace(req.Version))
	if version != "" && st != ogc.ServiceCSW {
		if version, err = ogc.ParseVersion(st, req.Version); err != nil {
			h.writeError(w, err)
			return
		}
	}
	var credID *uuid.UUID
	if req.CredentialID != "" {
		id, err := uuid.Parse(req.CredentialID)
		if err != nil {
			http.Error(w, "invalid credential_id", http.StatusBadRequest)
			return
		}
		credID = &id
	}

	taskID := h.track(func(ctx context.Context, prog *task.Progress) {
		if _, err := h.reg.Register(ctx, req.Ident, req.CapabilitiesURL, st, version, credID, prog); err != nil {
			h.log.Error().Err(err).Str("ident", req.Ident).Msg("registration failed")
		}
	})
	h.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "ident": req.Ident})
}

// track runs fn in the background under a fresh progress record and returns
// the task id to poll. Finished records are evicted after the retention
// window so the map does not grow with the process lifetime.
func (h *Handler) track(fn func(ctx context.Context, prog *task.Progress)) string {
	taskID := logger.NewID()
	prog := &task.Progress{}
	h.mu.Lock()
	h.tasks[taskID] = prog
	h.mu.Unlock()
	go func() {
		// background work outlives the management request
		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Hour)
		defer cancel()
		fn(ctx, prog)
		time.AfterFunc(h.retention, func() {
			h.mu.Lock()
			delete(h.tasks, taskID)
			h.mu.Unlock()
		})
	}()
	return taskID
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	h.writeSummaryFor(r.Context(), w, chi.URLParam(r, "ident"), http.StatusOK)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	svc, err := h.reg.Refresh(r.Context(), chi.URLParam(r, "ident"), nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSummaryFor(r.Context(), w, svc.Ident, http.StatusOK)
}

func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, "body must carry an active flag", http.StatusBadRequest)
		return
	}
	ident := chi.URLParam(r, "ident")
	if err := h.reg.SetActive(r.Context(), ident, *req.Active); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSummaryFor(r.Context(), w, ident, http.StatusOK)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), chi.URLParam(r, "ident")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleRequest struct {
	ID         string   `json:"id"`
	EntityName string   `json:"entity_name"`
	Operations []string `json:"operations"`
	Groups     []string `json:"groups"`
	// Area is a GeoJSON Polygon or MultiPolygon; absent means allowed
	// everywhere.
	Area     json.RawMessage `json:"area"`
	AreaSRID int             `json:"area_srid"`
}

func (h *Handler) putRule(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "ident")
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.EntityName == "" || len(req.Operations) == 0 {
		http.Error(w, "entity_name and operations are required", http.StatusBadRequest)
		return
	}

	snap, err := h.reg.Snapshot(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rule := registry.SecuredOperation{
		ID:         uuid.New(),
		ServiceID:  snap.Service.ID,
		EntityName: req.EntityName,
		Groups:     req.Groups,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			http.Error(w, "invalid rule id", http.StatusBadRequest)
			return
		}
		rule.ID = id
	}
	for _, op := range req.Operations {
		rule.Operations = append(rule.Operations, ogc.CanonicalOperation(op))
	}
	if len(req.Area) > 0 {
		srid := req.AreaSRID
		if srid == 0 {
			srid = geo.CRSWGS84
		}
		area, err := geo.ParseGeoJSON(string(req.Area), srid)
		if err != nil {
			h.writeError(w, err)
			return
		}
		rule.Area = &area
	}

	if err := h.reg.SaveRule(r.Context(), ident, &rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": rule.ID.String()})
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}
	if err := h.reg.DeleteRule(r.Context(), chi.URLParam(r, "ident"), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startHarvest(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "ident")
	snap, err := h.reg.Snapshot(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if snap.Service.Type != ogc.ServiceCSW {
		http.Error(w, "only catalogue services can be harvested", http.StatusBadRequest)
		return
	}
	var cred *httpclient.Credentials
	if snap.Service.AuthCredentialID != nil {
		stored, err := h.reg.Credential(r.Context(), *snap.Service.AuthCredentialID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		cred = &httpclient.Credentials{
			Type:     httpclient.AuthType(stored.Type),
			Username: stored.Username,
			Password: stored.Password,
			Token:    stored.Token,
		}
	}

	svc := snap.Service
	taskID := h.track(func(ctx context.Context, prog *task.Progress) {
		if err := h.harv.Run(ctx, svc, cred, prog); err != nil {
			h.log.Error().Err(err).Str("ident", svc.Ident).Msg("harvest failed")
		}
	})
	h.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *Handler) taskState(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	prog, ok := h.tasks[chi.URLParam(r, "id")]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	st := prog.Snapshot()
	out := map[string]any{
		"phase":   string(st.Phase),
		"done":    st.Done,
		"total":   st.Total,
		"message": st.Message,
		"took":    st.Duration.String(),
	}
	if st.Err != nil {
		out["error"] = st.Err.Error()
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeSummaryFor(ctx context.Context, w http.ResponseWriter, ident string, status int) {
	snap, err := h.reg.Snapshot(ctx, ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sum := serviceSummary{
		Ident:    snap.Service.Ident,
		Type:     string(snap.Service.Type),
		Version:  string(snap.Service.Version),
		Title:    snap.Service.Title,
		Abstract: snap.Service.Abstract,
		Active:   snap.Service.Active,
		Types:    len(snap.FeatureTypes),
		Rules:    len(snap.Secured),
	}
	if snap.Layers != nil {
		sum.Layers = snap.Layers.Len()
	}
	h.writeJSON(w, status, sum)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("encode response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := ogc.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("management request failed")
	}
	http.Error(w, err.Error(), status)
}
