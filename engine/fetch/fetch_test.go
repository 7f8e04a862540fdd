package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
)

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestFetcher(t *testing.T, srv *httptest.Server, opts ...Option) (*Fetcher, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{
		WithClient(srv.Client()),
		WithSleep(rec.sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f, err := New(srv.URL, DefaultPolicy(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return f, rec
}

func TestFetchSuccessSendsBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv)
	doc, err := f.Fetch(context.Background(), "/cars/acme-x1.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(doc.Body) != "<html>ok</html>" || doc.Status != 200 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.URL != srv.URL+"/cars/acme-x1.html" {
		t.Errorf("url = %q", doc.URL)
	}
	if !strings.Contains(got.Get("User-Agent"), "Chrome/91") {
		t.Errorf("user agent = %q", got.Get("User-Agent"))
	}
	if got.Get("Referer") != srv.URL+"/" || got.Get("DNT") != "1" || got.Get("Accept-Language") != "en-US,en;q=0.5" {
		t.Errorf("unexpected headers: %v", got)
	}
}

func TestFetchRetryBound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, rec := newTestFetcher(t, srv)
	_, err := f.Fetch(context.Background(), "/x")

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if int(hits.Load()) != DefaultPolicy().Retries+1 || fe.Attempts != 4 {
		t.Fatalf("expected 4 attempts, server saw %d, error says %d", hits.Load(), fe.Attempts)
	}
	if fe.Status != http.StatusBadGateway || !errors.Is(err, ErrStatus) || !IsRetryable(err) {
		t.Fatalf("unexpected error: %+v", fe)
	}
	want := []time.Duration{300 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond}
	if diff := cmp.Diff(want, rec.waits); diff != "" {
		t.Fatalf("backoff (-want +got):\n%s", diff)
	}
}

func TestFetchRecoversAfterTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv)
	doc, err := f.Fetch(context.Background(), "/x")
	if err != nil {
		t.Fatal(err)
	}
	if string(doc.Body) != "ok" || hits.Load() != 3 {
		t.Fatalf("body %q after %d hits", doc.Body, hits.Load())
	}
}

func TestFetchNonRetryableStatus(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(code)
		}))

		f, rec := newTestFetcher(t, srv)
		_, err := f.Fetch(context.Background(), "/x")
		srv.Close()

		var fe *FetchError
		if !errors.As(err, &fe) || fe.Status != code {
			t.Fatalf("%d: unexpected error %v", code, err)
		}
		if hits.Load() != 1 || len(rec.waits) != 0 {
			t.Errorf("%d: expected a single attempt, got %d", code, hits.Load())
		}
		if IsRetryable(err) {
			t.Errorf("%d: should not be transient", code)
		}
	}
}

func TestFetchCustomStatusSet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := DefaultPolicy()
	p.Retries = 1
	p.StatusForcelist = []int{429}
	f, err := New(srv.URL, p, WithClient(srv.Client()), WithSleep((&sleepRecorder{}).sleep))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Fetch(context.Background(), "/x"); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestFetchConnectionFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	f, err := New(url, DefaultPolicy(), WithSleep(rec.sleep))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Fetch(context.Background(), "/x")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Attempts != 4 || fe.Status != 0 || !fe.Transient {
		t.Fatalf("unexpected error: %+v", fe)
	}
}

func TestFetchContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, err := New(srv.URL, DefaultPolicy(), WithClient(srv.Client()), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.Fetch(ctx, "/x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("a cancelled fetch is not transient")
	}
}

func TestFetchRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := metrics.New()
	f, _ := newTestFetcher(t, srv, WithMetrics(reg))
	_, _ = f.Fetch(context.Background(), "/x")

	if got := reg.Counter("specharvest_fetch_attempts_total", "").Value(); got != 4 {
		t.Errorf("attempts = %d", got)
	}
	if got := reg.Counter("specharvest_fetch_failures_total", "").Value(); got != 1 {
		t.Errorf("failures = %d", got)
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{BackoffFactor: 0.3, MaxBackoff: time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 300 * time.Millisecond},
		{2, 600 * time.Millisecond},
		{3, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	f, err := New("https://www.autoevolution.com/", DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct{ in, want string }{
		{"/cars/acme.html", "https://www.autoevolution.com/cars/acme.html"},
		{"cars/acme.html", "https://www.autoevolution.com/cars/acme.html"},
		{"https://cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
	}
	for _, tt := range tests {
		got, err := f.Resolve(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := f.Resolve("  "); err == nil {
		t.Error("expected error for empty link")
	}
	if f.Origin() != "https://www.autoevolution.com" {
		t.Errorf("origin = %q", f.Origin())
	}
}

func TestNewRejectsRelativeBase(t *testing.T) {
	if _, err := New("/relative", DefaultPolicy()); err == nil {
		t.Fatal("expected error")
	}
}
