package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/events"
	"github.com/torevar615/URL-UploadV1/internal/fetch"
	"github.com/torevar615/URL-UploadV1/internal/records"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
	"github.com/torevar615/URL-UploadV1/internal/secondary"
)

type fakeDeliverer struct {
	got delivery.Request
	res *delivery.Result
	err error
}

func (d *fakeDeliverer) Deliver(_ context.Context, req delivery.Request) (*delivery.Result, error) {
	d.got = req
	res := d.res
	if res == nil {
		res = &delivery.Result{ID: "d-1"}
	}
	return res, d.err
}

type fakeRecords struct {
	callerID int64
	limit    int
	list     []records.Transfer
	err      error
}

func (f *fakeRecords) ListTransfers(_ context.Context, callerID int64, limit int) ([]records.Transfer, error) {
	f.callerID, f.limit = callerID, limit
	return f.list, f.err
}

func (f *fakeRecords) Stats(context.Context) (*records.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &records.Stats{Transfers: int64(len(f.list)), ByStrategy: map[string]int64{"direct": int64(len(f.list))}}, nil
}

type fakeSession struct{ st secondary.State }

func (f fakeSession) State() secondary.State { return f.st }

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	srv := NewServer(&fakeDeliverer{}, events.NewBroadcaster(), Options{
		Session: fakeSession{st: secondary.State{CredentialsPresent: true, Started: true, Connected: true}},
		Scratch: dir,
	})
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	sec := body["secondary"].(map[string]any)
	assert.Equal(t, true, sec["connected"])
	sc := body["scratch"].(map[string]any)
	assert.Equal(t, float64(0), sc["entries"])
}

func TestDeliverSuccess(t *testing.T) {
	d := &fakeDeliverer{res: &delivery.Result{
		ID: "abc", Success: true, Strategy: delivery.StrategyDirect, Filename: "a.txt", Size: 5, BytesSent: 5,
	}}
	srv := NewServer(d, events.NewBroadcaster(), Options{})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/deliveries",
		`{"url":"https://example.com/a.txt","destination":42,"caller_id":7,"size_ceiling":1000,"filename":"b.txt"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, delivery.Request{
		URL: "https://example.com/a.txt", Destination: 42, CallerID: 7, SizeCeiling: 1000, FilenameOverride: "b.txt",
	}, d.got)

	body := decode(t, rec)
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, "direct", body["strategy"])
	assert.Equal(t, "ok", body["kind"])
}

func TestDeliverErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"size", &delivery.SizeExceededError{Size: 3 * delivery.GB, Limit: 2 * delivery.GB, Which: delivery.LimitHard}, http.StatusRequestEntityTooLarge, "size_exceeded"},
		{"network", &delivery.NetworkError{Op: "download", Err: errors.New("reset")}, http.StatusBadGateway, "network"},
		{"transport", &delivery.TransportError{Transport: "primary", Code: 400}, http.StatusBadGateway, "transport"},
		{"rate limited", &delivery.RateLimitedError{Wait: 1500 * time.Millisecond, Attempts: 3}, http.StatusTooManyRequests, "rate_limited"},
		{"partial", delivery.NewPartialDeliveryError([]int{2}, 3), http.StatusOK, "partial"},
		{"unsupported", fmt.Errorf("%w: scheme %q", fetch.ErrUnsupportedURL, "ftp"), http.StatusBadRequest, "internal"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&fakeDeliverer{err: tt.err}, events.NewBroadcaster(), Options{})
			rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/deliveries", `{"url":"https://x/y","destination":1}`)
			assert.Equal(t, tt.code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestDeliverRetryAfterHeader(t *testing.T) {
	srv := NewServer(&fakeDeliverer{err: &delivery.RateLimitedError{Wait: 1500 * time.Millisecond}}, events.NewBroadcaster(), Options{})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/deliveries", `{"url":"https://x/y","destination":1}`)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestDeliverBadInput(t *testing.T) {
	srv := NewServer(&fakeDeliverer{}, events.NewBroadcaster(), Options{})
	h := srv.Handler()

	for _, body := range []string{
		`not json`,
		`{"destination":1}`,
		`{"url":"https://x/y"}`,
		`{"url":"https://x/y","destination":1,"size_ceiling":-1}`,
		`{"url":"https://x/y","destination":1,"unknown":true}`,
	} {
		rec := do(t, h, http.MethodPost, "/api/v1/deliveries", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestTokenGuard(t *testing.T) {
	srv := NewServer(&fakeDeliverer{}, events.NewBroadcaster(), Options{APIToken: "s3cret"})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/deliveries", `{"url":"https://x/y","destination":1}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/deliveries", `{"url":"https://x/y","destination":1}`, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/deliveries", `{"url":"https://x/y","destination":1}`, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestTransfers(t *testing.T) {
	recs := &fakeRecords{list: []records.Transfer{{ID: "t1", Filename: "a.txt", Strategy: "direct"}}}
	srv := NewServer(&fakeDeliverer{}, events.NewBroadcaster(), Options{Records: recs})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/transfers?caller_id=7&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), recs.callerID)
	assert.Equal(t, 5, recs.limit)

	var list []records.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	rec = do(t, h, http.MethodGet, "/api/v1/transfers?caller_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["transfers"])
}

func TestTransfersWithoutRecordStore(t *testing.T) {
	srv := NewServer(&fakeDeliverer{}, events.NewBroadcaster(), Options{})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/transfers", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, srv.Handler(), http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsStream(t *testing.T) {
	b := events.NewBroadcaster()
	srv := NewServer(&fakeDeliverer{}, b, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?delivery_id=want", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)
	b.Publish(events.Event{Type: events.EventDownload, DeliveryID: "other"})
	b.Publish(events.Event{Type: events.EventDelivered, DeliveryID: "want", Filename: "a.txt"})

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: delivered", sc.Text())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"delivery_id":"want"`)
}
