package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/relayq/internal/breaker"
	"github.com/nuetzliches/relayq/internal/index"
	"github.com/nuetzliches/relayq/internal/queue"
	"github.com/nuetzliches/relayq/internal/ratelimit"
	"github.com/nuetzliches/relayq/internal/relay"
)

func newTestServer(now *time.Time) (*Server, *queue.MemoryStore) {
	nowFn := func() time.Time { return *now }
	store := queue.NewMemoryStore(queue.WithNowFunc(nowFn))
	svc := &relay.Service{
		Store:    store,
		Indexes:  index.NewRegistry(nil),
		Breakers: breaker.NewRegistry(breaker.WithNowFunc(nowFn)),
		Limiters: ratelimit.NewRegistry(ratelimit.WithNowFunc(nowFn)),
		Now:      nowFn,
	}
	return NewServer(svc), store
}

func doJSON(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestServerEnqueueCreatesItem(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	srv, store := newTestServer(&now)

	rec := doJSON(t, srv, http.MethodPost, "/v1/queues/orders/items",
		`{"payload":{"order":42},"priority":9,"correlation_id":"corr-7"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp enqueueResponse
	decodeInto(t, rec, &resp)
	if resp.ID == "" {
		t.Fatal("empty id in response")
	}

	item, err := store.Get(resp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Queue != "orders" || item.Priority != 9 || item.CorrelationID != "corr-7" {
		t.Fatalf("item=%+v", item)
	}
}

func TestServerEnqueueRejectsInvalidBody(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 5, 0, 0, time.UTC)
	srv, _ := newTestServer(&now)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, codeInvalidBody},
		{"bad scheduled_at", `{"payload":{},"scheduled_at":"yesterday"}`, codeInvalidBody},
		{"missing payload", `{"priority":1}`, codeValidation},
		{"priority out of range", `{"payload":{},"priority":500}`, codeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/v1/queues/orders/items", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			var apiErr apiErrorResponse
			decodeInto(t, rec, &apiErr)
			if apiErr.Code != tc.code {
				t.Fatalf("code=%q, want %q (detail=%q)", apiErr.Code, tc.code, apiErr.Detail)
			}
		})
	}
}

func TestServerEnqueueBatch(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 10, 0, 0, time.UTC)
	srv, store := newTestServer(&now)

	rec := doJSON(t, srv, http.MethodPost, "/v1/queues/orders/items:batch",
		`{"correlation_id":"batch-1","items":[{"payload":{"n":0}},{"payload":{"n":1},"priority":5}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	decodeInto(t, rec, &resp)
	if len(resp.IDs) != 2 {
		t.Fatalf("ids=%v, want 2", resp.IDs)
	}
	item, err := store.Get(resp.IDs[1])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.CorrelationID != "batch-1-1" || item.Priority != 5 {
		t.Fatalf("item=%+v", item)
	}
}

func TestServerStats(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 15, 0, 0, time.UTC)
	srv, _ := newTestServer(&now)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/v1/queues/orders/items", `{"payload":{}}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("enqueue %d: status=%d", i, rec.Code)
		}
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/queues/orders/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	decodeInto(t, rec, &resp)
	if resp.Queue != "orders" || resp.Pending != 3 || resp.IndexDepth != 3 {
		t.Fatalf("stats=%+v", resp)
	}
}

func TestServerRequeueAndCleanup(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 20, 0, 0, time.UTC)
	srv, store := newTestServer(&now)

	rec := doJSON(t, srv, http.MethodPost, "/v1/queues/orders/items", `{"payload":{}}`)
	var created enqueueResponse
	decodeInto(t, rec, &created)
	if _, err := store.Claim(created.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Update(queue.UpdateRequest{ID: created.ID, Status: queue.StatusFailed}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/queues/orders/requeue", `{"max_age_seconds":3600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue status=%d body=%s", rec.Code, rec.Body.String())
	}
	var req requeueResponse
	decodeInto(t, rec, &req)
	if req.Requeued != 1 {
		t.Fatalf("requeued=%d, want 1", req.Requeued)
	}

	// Complete the item, age it out, then purge it.
	if _, err := store.Claim(created.ID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	processed := now
	if _, err := store.Update(queue.UpdateRequest{ID: created.ID, Status: queue.StatusCompleted, ProcessedAt: &processed}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	now = now.Add(2 * time.Hour)

	rec = doJSON(t, srv, http.MethodPost, "/v1/queues/orders/cleanup", `{"max_age_seconds":3600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status=%d body=%s", rec.Code, rec.Body.String())
	}
	var cl cleanupResponse
	decodeInto(t, rec, &cl)
	if cl.Deleted != 1 {
		t.Fatalf("deleted=%d, want 1", cl.Deleted)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/queues/orders/cleanup",
		`{"max_age_seconds":3600,"statuses":["pending"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cleanup with pending status=%d, want 400", rec.Code)
	}
}

func TestServerBreakerAndLimiterEndpoints(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 25, 0, 0, time.UTC)
	srv, _ := newTestServer(&now)

	rec := doJSON(t, srv, http.MethodGet, "/v1/breakers/crm", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("untouched breaker status=%d, want 404", rec.Code)
	}

	_ = srv.Service.Breakers.Call(context.Background(), "crm", func(context.Context) error { return nil })
	srv.Service.Limiters.Acquire("crm", 1)

	rec = doJSON(t, srv, http.MethodGet, "/v1/breakers/crm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("breaker status=%d body=%s", rec.Code, rec.Body.String())
	}
	var bresp breakerStatusResponse
	decodeInto(t, rec, &bresp)
	if bresp.Name != "crm" || bresp.State != string(breaker.StateClosed) {
		t.Fatalf("breaker=%+v", bresp)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/limiters/crm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter status=%d body=%s", rec.Code, rec.Body.String())
	}
	var lresp limiterStatusResponse
	decodeInto(t, rec, &lresp)
	if lresp.Name != "crm" || lresp.Tokens != ratelimit.DefaultMaxTokens-1 {
		t.Fatalf("limiter=%+v", lresp)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("breakers list status=%d", rec.Code)
	}
	var listing struct {
		Items []breakerStatusResponse `json:"items"`
	}
	decodeInto(t, rec, &listing)
	if len(listing.Items) != 1 {
		t.Fatalf("breakers listing=%+v", listing)
	}
}

func TestServerAuthAndRouting(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 30, 0, 0, time.UTC)
	srv, _ := newTestServer(&now)
	srv.Authorize = BearerTokenAuthorizer([][]byte{[]byte("secret-token")})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz status=%d body=%q", rec.Code, rec.Body.String())
	}

	srv.Authorize = nil
	rec = doJSON(t, srv, http.MethodGet, "/v1/queues/orders/items", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET items status=%d, want 405", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d, want 404", rec.Code)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	now := time.Date(2026, 3, 8, 9, 35, 0, 0, time.UTC)
	srv, _ := newTestServer(&now)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics disabled status=%d, want 404", rec.Code)
	}

	srv.RenderMetrics = func() string { return "relayq_dispatch_total 3\n" }
	rec = doJSON(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relayq_dispatch_total 3") {
		t.Fatalf("metrics body=%q", rec.Body.String())
	}
}
