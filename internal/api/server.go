// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/events"
	"github.com/torevar615/URL-UploadV1/internal/fetch"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/pipeline"
	"github.com/torevar615/URL-UploadV1/internal/records"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
	"github.com/torevar615/URL-UploadV1/internal/secondary"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// Deliverer runs a delivery.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
}

// SessionStatus reports the secondary transport state.
type SessionStatus interface {
	State() secondary.State
}

// Options carries the optional parts of the server.
type Options struct {
	APIToken string
	Session  SessionStatus
	Scratch  *scratch.Dir
	Records  records.Reader
}

// Server is the HTTP server.
type Server struct {
	deliverer   Deliverer
	broadcaster *events.Broadcaster
	apiToken    string
	session     SessionStatus
	scratch     *scratch.Dir
	records     records.Reader
}

// NewServer creates a new server.
func NewServer(d Deliverer, broadcaster *events.Broadcaster, opts Options) *Server {
	return &Server{
		deliverer:   d,
		broadcaster: broadcaster,
		apiToken:    opts.APIToken,
		session:     opts.Session,
		scratch:     opts.Scratch,
		records:     opts.Records,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/deliveries", s.handleDeliver)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("GET /api/v1/transfers", s.handleListTransfers)
	protected.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.Handle("/api/v1/", s.requireToken(protected))

	return logging.Middleware(metrics.Middleware(mux))
}

// requireToken guards next with a static bearer token when one is set.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.apiToken == "" {
		return next
	}
	want := []byte(s.apiToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="urlupload"`)
			s.sendError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

type scratchStatus struct {
	Path      string `json:"path"`
	Entries   int    `json:"entries"`
	FreeBytes uint64 `json:"free_bytes"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Secondary *secondary.State `json:"secondary,omitempty"`
	Scratch   *scratchStatus   `json:"scratch,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.session != nil {
		st := s.session.State()
		resp.Secondary = &st
	}
	if s.scratch != nil {
		ss := &scratchStatus{Path: s.scratch.Path()}
		if entries, err := s.scratch.Entries(); err == nil {
			ss.Entries = len(entries)
		} else {
			resp.Status = "degraded"
		}
		if free, err := s.scratch.Free(); err == nil {
			ss.FreeBytes = free
		}
		resp.Scratch = ss
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Deliveries ─────────────────────────────────────────────────────────────

type deliverRequest struct {
	URL         string `json:"url"`
	Destination int64  `json:"destination"`
	CallerID    int64  `json:"caller_id"`
	SizeCeiling int64  `json:"size_ceiling"`
	Filename    string `json:"filename"`
}

type deliverResponse struct {
	*delivery.Result
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var body deliverRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.URL == "" || body.Destination == 0 {
		s.sendError(w, http.StatusBadRequest, "url and destination are required")
		return
	}
	if body.SizeCeiling < 0 {
		s.sendError(w, http.StatusBadRequest, "size_ceiling must not be negative")
		return
	}

	// The request context is the delivery context: a client that goes away
	// cancels the delivery.
	res, err := s.deliverer.Deliver(r.Context(), delivery.Request{
		URL:              body.URL,
		Destination:      body.Destination,
		CallerID:         body.CallerID,
		SizeCeiling:      body.SizeCeiling,
		FilenameOverride: body.Filename,
	})

	code := statusFor(err)
	if code == http.StatusTooManyRequests {
		if rl, ok := delivery.AsRateLimited(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.Wait.Seconds()))))
		}
	}
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Warn("delivery request failed", zap.Int("status", code), zap.Error(err))
	}
	if res == nil {
		res = &delivery.Result{}
	}
	s.sendJSON(w, code, deliverResponse{
		Result:  res,
		Kind:    delivery.Kind(err),
		Message: delivery.Describe(err),
	})
}

// statusFor maps a delivery error to an HTTP status.
func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, pipeline.ErrInvalidRequest) || errors.Is(err, fetch.ErrUnsupportedURL) {
		return http.StatusBadRequest
	}
	switch delivery.Kind(err) {
	case "partial":
		return http.StatusOK
	case "size_exceeded":
		return http.StatusRequestEntityTooLarge
	case "rate_limited":
		return http.StatusTooManyRequests
	case "network", "transport":
		return http.StatusBadGateway
	case "cancelled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	filter := r.URL.Query().Get("delivery_id")
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && event.DeliveryID != filter {
				continue
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Transfer history ───────────────────────────────────────────────────────

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.sendError(w, http.StatusServiceUnavailable, "record keeping is disabled")
		return
	}

	q := r.URL.Query()
	var callerID int64
	if v := q.Get("caller_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid caller_id")
			return
		}
		callerID = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := s.records.ListTransfers(r.Context(), callerID, limit)
	if err != nil {
		logging.WithContext(r.Context()).Error("list transfers failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if list == nil {
		list = []records.Transfer{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.sendError(w, http.StatusServiceUnavailable, "record keeping is disabled")
		return
	}
	st, err := s.records.Stats(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("transfer stats failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.sendJSON(w, http.StatusOK, st)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}
