// Package api serves the intent submission surface over HTTP.
//
//	POST   /resources             register a resource
//	POST   /intents               submit an intent
//	GET    /intents               list intents
//	GET    /intents/{id}          intent state
//	GET    /intents/{id}/outcome  await the outcome (?wait=duration)
//	DELETE /intents/{id}          cancel
//	GET    /metrics               Prometheus exposition
//	GET    /healthz               liveness
//
// Errors are returned as a generic error body carrying the original kind
// and code in its context.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/metrics"
)

// DefaultMaxWait bounds ?wait on the outcome route.
const DefaultMaxWait = 30 * time.Second

// Server routes HTTP requests to an engine.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	maxWait time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxWait bounds how long the outcome route blocks.
func WithMaxWait(d time.Duration) Option {
	return func(s *Server) { s.maxWait = d }
}

// NewHandler creates the HTTP handler for e.
func NewHandler(e *engine.Engine, opts ...Option) http.Handler {
	s := &Server{engine: e, logger: slog.Default(), maxWait: DefaultMaxWait}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/resources", s.registerResource)
	r.Route("/intents", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/{id}", s.status)
		r.Get("/{id}/outcome", s.outcome)
		r.Delete("/{id}", s.cancel)
	})
	return r
}

// ResourceRequest is the body of POST /resources.
type ResourceRequest struct {
	Type     string           `json:"type"`
	Pattern  ir.AccessPattern `json:"access_pattern"`
	Value    json.RawMessage  `json:"value"`
	Location ir.DomainID      `json:"location"`
	Origin   string           `json:"origin,omitempty"`
}

func (s *Server) registerResource(w http.ResponseWriter, r *http.Request) {
	var req ResourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Value) == 0 {
		s.fail(w, fault.Validation("value", "json value", "", "value is required"))
		return
	}
	value, err := ir.ParseJSON(req.Value)
	if err != nil {
		s.fail(w, fault.Validation("value", "integer-only json", string(req.Value), "%v", err))
		return
	}
	res, err := s.engine.Register(r.Context(), engine.ResourceSpec{
		Type:     req.Type,
		Pattern:  req.Pattern,
		Value:    value,
		Location: req.Location,
		Origin:   req.Origin,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// IntentRequest is the body of POST /intents. Timeout is a Go duration
// string.
type IntentRequest struct {
	ID           string                   `json:"id,omitempty"`
	Domain       ir.DomainID              `json:"domain"`
	Constraints  []ir.TransformConstraint `json:"constraints"`
	Bindings     map[string]ir.ContentID  `json:"resource_bindings"`
	Location     ir.LocationRequirements  `json:"location_requirements"`
	Priority     ir.Priority              `json:"priority"`
	Timeout      string                   `json:"timeout,omitempty"`
	Dependencies []string                 `json:"dependencies,omitempty"`
}

// Intent converts the request.
func (req IntentRequest) Intent() (ir.Intent, error) {
	intent := ir.Intent{
		ID:                   req.ID,
		Domain:               req.Domain,
		Constraints:          req.Constraints,
		ResourceBindings:     req.Bindings,
		LocationRequirements: req.Location,
		Priority:             req.Priority,
		Dependencies:         req.Dependencies,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return ir.Intent{}, fault.Validation("timeout", "duration", req.Timeout, "invalid timeout: %v", err)
		}
		intent.Timeout = d
	}
	return intent, nil
}

// SubmitResponse is returned by POST /intents.
type SubmitResponse struct {
	ID    string       `json:"id"`
	State engine.State `json:"state"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !s.decode(w, r, &req) {
		return
	}
	intent, err := req.Intent()
	if err != nil {
		s.fail(w, err)
		return
	}
	// Submission outlives the request; planning must not see its cancellation.
	id, err := s.engine.Submit(context.WithoutCancel(r.Context()), intent)
	if err != nil {
		if id == "" {
			s.fail(w, err)
			return
		}
		s.logger.Warn("intent rejected at planning", "intent_id", id, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err, id))
		return
	}
	state, _ := s.engine.Status(id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, State: state})
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.engine.Status(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{ID: id, State: state})
}

// OutcomeResponse is returned by the outcome route. Error is set for
// intents that did not succeed.
type OutcomeResponse struct {
	engine.Outcome
	Error *ErrorBody `json:"error,omitempty"`
}

func (s *Server) outcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.fail(w, fault.Validation("wait", "non-negative duration", raw, "invalid wait %q", raw))
			return
		}
		wait = min(d, s.maxWait)
	}

	var (
		o   engine.Outcome
		err error
	)
	if wait == 0 {
		var done bool
		o, done, err = s.engine.Outcome(id)
		if err == nil && !done {
			state, _ := s.engine.Status(id)
			writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, State: state})
			return
		}
	} else {
		ctx, cancel := context.WithTimeoutCause(r.Context(), wait,
			fault.Timeout("await intent "+id, wait, wait))
		defer cancel()
		o, err = s.engine.Await(ctx, id)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := OutcomeResponse{Outcome: o}
	if o.Err != nil {
		body := errorBody(o.Err, id)
		resp.Error = &body
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	state, _ := s.engine.Status(id)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, State: state})
}

// ErrorBody is the generic error returned by every route.
type ErrorBody struct {
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	IntentID string            `json:"intent_id,omitempty"`
}

func errorBody(err error, intentID string) ErrorBody {
	g := fault.ToGeneric(err)
	return ErrorBody{Code: g.Code, Message: g.Message, Context: g.Context, IntentID: intentID}
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case fault.HasCode(err, engine.CodeUnknownIntent):
		return http.StatusNotFound
	case fault.HasCode(err, engine.CodeDuplicateIntent):
		return http.StatusConflict
	case fault.HasCode(err, engine.CodeEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindSerialization, fault.KindCompilation:
		return http.StatusBadRequest
	case fault.KindPermission:
		return http.StatusForbidden
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindResourceExhaustion:
		return http.StatusTooManyRequests
	case fault.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody(err, ""))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, fault.Serialization("json", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
