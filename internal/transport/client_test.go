package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/telemetry"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL: baseURL,
		Token:   "test-token",
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPostRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":"busy"}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var out struct {
		Status string `json:"status"`
	}
	if err := c.PostJSON(context.Background(), "/x", map[string]string{"a": "b"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestPostDoesNotRetryOnValidationError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"node_id is required"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.PostJSON(context.Background(), "/x", map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusUnprocessableEntity) {
		t.Fatalf("expected 422 StatusError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("422 must not be retried, got %d attempts", n)
	}
}

func TestAttemptCap(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"still broken"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.GetJSON(context.Background(), "/x", nil)
	if !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("expected 503 StatusError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
}

func TestAuthAndTraceHeaders(t *testing.T) {
	shutdown, err := telemetry.Setup(telemetry.Config{ServiceName: "transport-test"})
	if err != nil {
		t.Fatalf("telemetry setup: %v", err)
	}
	defer shutdown(context.Background())

	var gotAuth, gotTraceparent, gotB3 string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTraceparent = r.Header.Get("Traceparent")
		gotB3 = r.Header.Get("X-B3-Traceid")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.PostJSON(context.Background(), "/x", map[string]string{}, nil); err != nil {
		t.Fatalf("post: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Fatalf("missing bearer token, got %q", gotAuth)
	}
	if gotTraceparent == "" {
		t.Fatal("missing traceparent header")
	}
	if gotB3 == "" {
		t.Fatal("missing X-B3-TraceId header")
	}
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	tt := []struct {
		url     string
		wantErr bool
	}{
		{"http://controller:8844", false},
		{"https://controller:8844/", false},
		{"controller:8844", true},
		{"ftp://controller", true},
	}
	for _, tc := range tt {
		_, err := NewClient(Options{BaseURL: tc.url, Logger: zerolog.Nop()})
		if (err != nil) != tc.wantErr {
			t.Errorf("NewClient(%q) err = %v, wantErr %v", tc.url, err, tc.wantErr)
		}
	}
}
