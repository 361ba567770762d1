// Package admin is the operations HTTP surface: enqueue, stats, requeue,
// cleanup, and breaker/limiter inspection, JSON over HTTP.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/queue"
	"github.com/nuetzliches/relayq/internal/ratelimit"
	"github.com/nuetzliches/relayq/internal/relay"
)

const (
	defaultMaxBodyBytes = 1 << 20

	codeUnauthorized     = "unauthorized"
	codeMethodNotAllowed = "method_not_allowed"
	codeNotFound         = "not_found"
	codeInvalidBody      = "invalid_body"
	codeValidation       = "validation_failed"
	codeStoreUnavailable = "store_unavailable"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying any of the given tokens.
// With no tokens configured every request passes.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := []byte(strings.TrimSpace(strings.TrimPrefix(h, prefix)))
		if len(got) == 0 {
			return false
		}
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(got, want) == 1 {
				return true
			}
		}
		return false
	}
}

type Server struct {
	Service   *relay.Service
	Authorize Authorizer
	// RenderMetrics supplies the /metrics body; nil disables the endpoint.
	RenderMetrics func() string
	MaxBodyBytes  int64
}

func NewServer(service *relay.Service) *Server {
	return &Server{
		Service:      service,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authorize != nil && !s.Authorize(r) {
		writeAPIError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
		return
	}

	cleanPath := path.Clean(r.URL.Path)
	switch {
	case cleanPath == "/healthz":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHealthz(w)
	case cleanPath == "/metrics":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleMetrics(w)
	case cleanPath == "/v1/breakers":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleBreakers(w)
	case strings.HasPrefix(cleanPath, "/v1/breakers/"):
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleBreaker(w, strings.TrimPrefix(cleanPath, "/v1/breakers/"))
	case cleanPath == "/v1/limiters":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleLimiters(w)
	case strings.HasPrefix(cleanPath, "/v1/limiters/"):
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleLimiter(w, strings.TrimPrefix(cleanPath, "/v1/limiters/"))
	case strings.HasPrefix(cleanPath, "/v1/queues/"):
		s.handleQueueResource(w, r, cleanPath)
	default:
		writeAPIError(w, http.StatusNotFound, codeNotFound, "resource was not found")
	}
}

func (s *Server) handleQueueResource(w http.ResponseWriter, r *http.Request, cleanPath string) {
	rest := strings.TrimPrefix(cleanPath, "/v1/queues/")
	queueName, resource, ok := strings.Cut(rest, "/")
	if !ok || queueName == "" {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	switch resource {
	case "items", "items:batch", "requeue", "cleanup":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
	case "stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
	default:
		writeAPIError(w, http.StatusNotFound, codeNotFound, "resource was not found")
		return
	}

	switch resource {
	case "items":
		s.handleEnqueue(w, r, queueName)
	case "items:batch":
		s.handleEnqueueBatch(w, r, queueName)
	case "stats":
		s.handleStats(w, r, queueName)
	case "requeue":
		s.handleRequeue(w, r, queueName)
	case "cleanup":
		s.handleCleanup(w, r, queueName)
	}
}

type enqueueRequest struct {
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MaxRetries    *int            `json:"max_retries,omitempty"`
	ScheduledAt   string          `json:"scheduled_at,omitempty"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, queueName string) {
	var body enqueueRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	scheduledAt, ok := parseTimeField(body.ScheduledAt)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, codeInvalidBody, "scheduled_at must be RFC3339")
		return
	}

	id, err := s.Service.Enqueue(r.Context(), relay.EnqueueRequest{
		Queue:         queueName,
		Payload:       body.Payload,
		Priority:      body.Priority,
		CorrelationID: body.CorrelationID,
		MaxRetries:    body.MaxRetries,
		ScheduledAt:   scheduledAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

type batchRequest struct {
	CorrelationID string             `json:"correlation_id,omitempty"`
	Items         []batchRequestItem `json:"items"`
}

type batchRequestItem struct {
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

type batchResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request, queueName string) {
	var body batchRequest
	if !s.decodeBody(w, r, &body) {
		return
	}

	items := make([]relay.BatchItem, 0, len(body.Items))
	for _, bi := range body.Items {
		items = append(items, relay.BatchItem{
			Payload:    bi.Payload,
			Priority:   bi.Priority,
			MaxRetries: bi.MaxRetries,
		})
	}
	ids, err := s.Service.EnqueueBatch(r.Context(), relay.BatchRequest{
		Queue:         queueName,
		CorrelationID: body.CorrelationID,
		Items:         items,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{IDs: ids})
}

type statsResponse struct {
	Queue                string  `json:"queue"`
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	DeadLetter           int     `json:"dead_letter"`
	IndexDepth           int     `json:"index_depth"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	SuccessRate          float64 `json:"success_rate"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, queueName string) {
	st, err := s.Service.Stats(r.Context(), queueName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Queue:                queueName,
		Pending:              st.Pending,
		Processing:           st.Processing,
		Completed:            st.Completed,
		Failed:               st.Failed,
		DeadLetter:           st.DeadLetter,
		IndexDepth:           st.IndexDepth,
		AvgProcessingSeconds: st.AvgProcessingSeconds,
		SuccessRate:          st.SuccessRate,
	})
}

type requeueRequest struct {
	MaxAgeSeconds int `json:"max_age_seconds"`
}

type requeueResponse struct {
	Requeued int `json:"requeued"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request, queueName string) {
	var body requeueRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.MaxAgeSeconds <= 0 {
		writeAPIError(w, http.StatusBadRequest, codeInvalidBody, "max_age_seconds must be a positive integer")
		return
	}

	n, err := s.Service.RequeueDeadOrFailed(r.Context(), queueName, time.Duration(body.MaxAgeSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requeueResponse{Requeued: n})
}

type cleanupRequest struct {
	MaxAgeSeconds int      `json:"max_age_seconds"`
	Statuses      []string `json:"statuses,omitempty"`
}

type cleanupResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, queueName string) {
	var body cleanupRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.MaxAgeSeconds <= 0 {
		writeAPIError(w, http.StatusBadRequest, codeInvalidBody, "max_age_seconds must be a positive integer")
		return
	}
	statuses := make([]queue.Status, 0, len(body.Statuses))
	for _, raw := range body.Statuses {
		st := queue.Status(raw)
		switch st {
		case queue.StatusCompleted, queue.StatusFailed, queue.StatusDeadLetter:
			statuses = append(statuses, st)
		default:
			writeAPIError(w, http.StatusBadRequest, codeInvalidBody,
				"statuses must contain only completed|failed|dead_letter")
			return
		}
	}

	n, err := s.Service.Cleanup(r.Context(), queueName, time.Duration(body.MaxAgeSeconds)*time.Second, statuses)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Deleted: n})
}

type breakerStatusResponse struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	Threshold       int    `json:"threshold"`
	RecoverySeconds int    `json:"recovery_timeout_seconds"`
	LastFailureAt   string `json:"last_failure_at,omitempty"`
	LastSuccessAt   string `json:"last_success_at,omitempty"`
}

func breakerStatusFromSnapshot(snap breaker.Snapshot) breakerStatusResponse {
	out := breakerStatusResponse{
		Name:            snap.Name,
		State:           string(snap.State),
		FailureCount:    snap.FailureCount,
		Threshold:       snap.Threshold,
		RecoverySeconds: int(snap.RecoveryTimeout / time.Second),
	}
	if !snap.LastFailureAt.IsZero() {
		out.LastFailureAt = snap.LastFailureAt.UTC().Format(time.RFC3339Nano)
	}
	if !snap.LastSuccessAt.IsZero() {
		out.LastSuccessAt = snap.LastSuccessAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) handleBreakers(w http.ResponseWriter) {
	snaps := s.Service.BreakerStatuses()
	items := make([]breakerStatusResponse, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, breakerStatusFromSnapshot(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleBreaker(w http.ResponseWriter, name string) {
	snap, ok := s.Service.BreakerStatus(name)
	if !ok {
		writeAPIError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("no breaker state for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, breakerStatusFromSnapshot(snap))
}

type limiterStatusResponse struct {
	Name          string `json:"name"`
	Tokens        int    `json:"tokens"`
	MaxTokens     int    `json:"max_tokens"`
	WindowSeconds int    `json:"window_seconds"`
	LastRefillAt  string `json:"last_refill_at,omitempty"`
}

func limiterStatusFromSnapshot(snap ratelimit.Snapshot) limiterStatusResponse {
	out := limiterStatusResponse{
		Name:          snap.Name,
		Tokens:        snap.Tokens,
		MaxTokens:     snap.MaxTokens,
		WindowSeconds: int(snap.Window / time.Second),
	}
	if !snap.LastRefillAt.IsZero() {
		out.LastRefillAt = snap.LastRefillAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Server) handleLimiters(w http.ResponseWriter) {
	snaps := s.Service.LimiterStatuses()
	items := make([]limiterStatusResponse, 0, len(snaps))
	for _, snap := range snaps {
		items = append(items, limiterStatusFromSnapshot(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleLimiter(w http.ResponseWriter, name string) {
	snap, ok := s.Service.LimiterStatus(name)
	if !ok {
		writeAPIError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("no limiter state for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, limiterStatusFromSnapshot(snap))
}

func (s *Server) handleHealthz(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleMetrics(w http.ResponseWriter) {
	if s.RenderMetrics == nil {
		writeAPIError(w, http.StatusNotFound, codeNotFound, "metrics are not enabled")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.RenderMetrics()))
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	maxBytes := s.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(into); err != nil {
		writeAPIError(w, http.StatusBadRequest, codeInvalidBody, "request body must be valid json")
		return false
	}
	return true
}

type apiErrorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, detail string) {
	if detail == "" {
		detail = http.StatusText(status)
	}
	writeJSON(w, status, apiErrorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	writeAPIError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed,
		fmt.Sprintf("method must be %s", expected))
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *relay.ValidationError
	if errors.As(err, &verr) {
		writeAPIError(w, http.StatusBadRequest, codeValidation, verr.Error())
		return
	}
	writeAPIError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "queue store is unavailable")
}

func parseTimeField(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
