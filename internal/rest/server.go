// Package rest exposes the engine over HTTP: ticket creation, the
// human-response endpoints and the callback surface external systems
// resume idle steps through.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow"
	"github.com/flowdesk/flowdesk/pkg/signature"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// TenantSource enumerates tenants and resolves their storage.
type TenantSource interface {
	Tenants() []string
	Storage(tenant string) (storage.Storage, error)
}

type Server struct {
	engine  *flow.Engine
	tenants TenantSource
	addr    string
	server  *http.Server
}

func NewServer(engine *flow.Engine, tenants TenantSource, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine:  engine,
		tenants: tenants,
		addr:    conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}

	r.Use(corsMiddleware())
	r.Use(requestLogger)

	r.Route("/v1/{tenant}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(conf.Auth.Secret))
			r.Post("/activities", s.handleCreateActivity)
			r.Get("/activities/{key}", s.handleGetActivity)
			r.Get("/activities/{key}/children", s.handleListChildren)
			r.Post("/activities/{key}/comments", s.handleAddComment)
			r.Post("/activities/{key}/requesters", s.handleAddRequester)
			r.Post("/activities/{key}/interactions/{interactionId}/answers/{answerId}", s.handleAnswerInteraction)
			r.Post("/activities/{key}/interactions/{interactionId}/participants", s.handleAddParticipants)
			r.Post("/activities/{key}/interactions/{interactionId}/close", s.handleCloseParticipants)
			r.Post("/activities/{key}/interactions/{interactionId}/force-finish", s.handleForceFinish)
		})
		// callbacks authenticate out of band: the step key and envelope id
		// are unguessable snowflakes the remote system echoes back
		r.Post("/web-requests/{stepKey}/callback", s.handleWebRequestCallback)
		r.Post("/signature/callback", s.handleSignatureCallback)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", s.handleStatus)
	})

	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Status: status, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeEngineError maps engine failures onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var engineErr *flow.EngineError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &engineErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (s *Server) tenantStore(w http.ResponseWriter, r *http.Request) (string, storage.Storage, bool) {
	tenant := chi.URLParam(r, "tenant")
	store, err := s.tenants.Storage(tenant)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown tenant "+tenant)
		return "", nil, false
	}
	return tenant, store, true
}

type createActivityBody struct {
	FormKey  int64          `json:"formKey,omitempty"`
	FormSlug string         `json:"formSlug,omitempty"`
	Values   map[string]any `json:"values"`
	DueDate  *time.Time     `json:"dueDate,omitempty"`
}

func (s *Server) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var body createActivityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.FormKey == 0 && body.FormSlug == "" {
		writeError(w, http.StatusBadRequest, "formKey or formSlug is required")
		return
	}

	req := flow.CreateActivityRequest{
		FormKey:  body.FormKey,
		FormSlug: body.FormSlug,
		Values:   body.Values,
		DueDate:  body.DueDate,
	}
	if caller := Caller(r.Context()); caller.Key != 0 {
		req.Requester = &caller
	}

	activity, err := s.engine.CreateActivity(r.Context(), tenant, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, activity)
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	_, store, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	activity, err := store.FindActivityByKey(r.Context(), parseInt64(chi.URLParam(r, "key")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	_, store, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	children, err := store.FindActivitiesByParent(r.Context(), parseInt64(chi.URLParam(r, "key")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	comment, err := s.engine.AddComment(r.Context(), tenant, parseInt64(chi.URLParam(r, "key")), Caller(r.Context()), body.Content)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleAddRequester(w http.ResponseWriter, r *http.Request) {
	tenant, store, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var body struct {
		UserKey int64 `json:"userKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	user, err := store.FindUserByKey(r.Context(), body.UserKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.engine.AddRequester(r.Context(), tenant, parseInt64(chi.URLParam(r, "key")), user.Ref()); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnswerInteraction(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var body struct {
		Values map[string]any `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.engine.AnswerInteraction(r.Context(), tenant,
		parseInt64(chi.URLParam(r, "key")),
		chi.URLParam(r, "interactionId"),
		chi.URLParam(r, "answerId"),
		body.Values)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var body struct {
		UserKeys []int64 `json:"userKeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.engine.AddParticipants(r.Context(), tenant,
		parseInt64(chi.URLParam(r, "key")),
		chi.URLParam(r, "interactionId"),
		body.UserKeys)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseParticipants(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	err := s.engine.CloseParticipants(r.Context(), tenant,
		parseInt64(chi.URLParam(r, "key")),
		chi.URLParam(r, "interactionId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceFinish(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	err := s.engine.ForceFinishInteraction(r.Context(), tenant,
		parseInt64(chi.URLParam(r, "key")),
		chi.URLParam(r, "interactionId"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebRequestCallback(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.engine.ResumeWebRequest(r.Context(), tenant, parseInt64(chi.URLParam(r, "stepKey")), payload); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignatureCallback(w http.ResponseWriter, r *http.Request) {
	tenant, _, ok := s.tenantStore(w, r)
	if !ok {
		return
	}

	var event signature.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.engine.ResumeSignature(r.Context(), tenant, event); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tenants": s.tenants.Tenants(),
	})
}
