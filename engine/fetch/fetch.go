// Package fetch retrieves catalog documents over HTTP with a bounded
// retry policy.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/wessley-specharvest/pkg/fn"
	"github.com/WessleyAI/wessley-specharvest/pkg/metrics"
)

// maxBody caps how much of a response is read.
const maxBody = 16 << 20

// Policy is the retry policy shared by every request of a Fetcher.
type Policy struct {
	// Retries is the number of repeats after the first attempt.
	Retries int
	// BackoffFactor is the pause before the first retry, in seconds. Each
	// later retry doubles it.
	BackoffFactor   float64
	StatusForcelist []int
	Timeout         time.Duration
	// MaxBackoff caps a single pause. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultPolicy retries three times on 500, 502 and 504.
func DefaultPolicy() Policy {
	return Policy{
		Retries:         3,
		BackoffFactor:   0.3,
		StatusForcelist: []int{500, 502, 504},
		Timeout:         10 * time.Second,
		MaxBackoff:      120 * time.Second,
	}
}

// Backoff returns the pause before retry n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BackoffFactor <= 0 {
		return 0
	}
	d := time.Duration(p.BackoffFactor * math.Pow(2, float64(n-1)) * float64(time.Second))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func (p Policy) retriesStatus(code int) bool {
	return slices.Contains(p.StatusForcelist, code)
}

// Document is a fetched page.
type Document struct {
	URL    string
	Status int
	Body   []byte
}

// Fetcher performs GET requests against one catalog host.
type Fetcher struct {
	base    *url.URL
	client  *http.Client
	policy  Policy
	headers http.Header
	log     *slog.Logger
	sleep   func(context.Context, time.Duration) error

	attempts *metrics.Counter
	failures *metrics.Counter
	duration *metrics.Histogram
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client. Its Timeout is left as given.
func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithLogger sets the logger used for per-attempt diagnostics.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithSleep replaces the pause between attempts.
func WithSleep(s func(context.Context, time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithHeaders adds or overrides request headers.
func WithHeaders(h map[string]string) Option {
	return func(f *Fetcher) {
		for k, v := range h {
			f.headers.Set(k, v)
		}
	}
}

// WithMetrics records attempts, failures and latency in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(f *Fetcher) {
		f.attempts = reg.Counter("specharvest_fetch_attempts_total", "HTTP requests issued, retries included.")
		f.failures = reg.Counter("specharvest_fetch_failures_total", "Documents that could not be fetched.")
		f.duration = reg.Histogram("specharvest_fetch_duration_seconds", "Latency of one HTTP attempt.", nil)
	}
}

// New creates a Fetcher for the host at baseURL.
func New(baseURL string, policy Policy, opts ...Option) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("fetch: base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fetch: base url %q is not absolute", baseURL)
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}

	f := &Fetcher{
		base:   base,
		policy: policy,
		client: &http.Client{
			Timeout:   policy.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: browserHeaders(base),
		log:     slog.Default(),
		sleep:   fn.SleepContext,
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Origin returns scheme://host of the catalog.
func (f *Fetcher) Origin() string { return f.base.Scheme + "://" + f.base.Host }

// Policy returns the retry policy in use.
func (f *Fetcher) Policy() Policy { return f.policy }

// browserHeaders is the fixed header set of a desktop Chrome client.
// Some catalog hosts serve different markup to anything else.
func browserHeaders(base *url.URL) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Referer", base.Scheme+"://"+base.Host+"/")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// Resolve joins a root-relative link to the catalog host. Absolute
// links are returned unchanged.
func (f *Fetcher) Resolve(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", fmt.Errorf("fetch: empty link")
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("fetch: link %q: %w", link, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return f.base.ResolveReference(ref).String(), nil
}

// Fetch retrieves link, retrying transient failures per the policy.
// Failures are always a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, link string) (Document, error) {
	target, err := f.Resolve(link)
	if err != nil {
		return Document{}, &FetchError{URL: link, Err: err}
	}

	var (
		attempts   int
		lastStatus int
		lastErr    error
	)
	opts := fn.RetryOpts{
		MaxAttempts: f.policy.Retries + 1,
		InitialWait: f.policy.Backoff(1),
		MaxWait:     f.policy.MaxBackoff,
		Retryable:   f.policy.retryable,
		Sleep:       f.sleep,
	}
	res := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[Document] {
		attempts++
		doc, err := f.once(ctx, target)
		lastStatus = doc.Status
		if err != nil {
			lastErr = err
			if attempts <= f.policy.Retries && f.policy.retryable(err) {
				f.log.Debug("fetch attempt failed, retrying",
					"url", target, "attempt", attempts, "status", doc.Status,
					"backoff", f.policy.Backoff(attempts), "error", err)
			}
		}
		return fn.FromPair(doc, err)
	})
	doc, err := res.Unwrap()
	if err == nil {
		return doc, nil
	}

	if f.failures != nil {
		f.failures.Inc()
	}
	fe := &FetchError{URL: target, Status: lastStatus, Attempts: attempts, Err: err}
	if ctx.Err() == nil && lastErr != nil && f.policy.retryable(lastErr) {
		fe.Transient = true
	}
	return Document{}, fe
}

func (f *Fetcher) once(ctx context.Context, target string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Document{}, err
	}
	for k, vs := range f.headers {
		req.Header[k] = slices.Clone(vs)
	}

	start := time.Now()
	if f.attempts != nil {
		f.attempts.Inc()
	}
	resp, err := f.client.Do(req)
	if f.duration != nil {
		f.duration.Since(start)
	}
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	doc := Document{URL: target, Status: resp.StatusCode}
	if resp.StatusCode >= http.StatusBadRequest || f.policy.retriesStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return doc, &statusError{code: resp.StatusCode}
	}
	doc.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return doc, fmt.Errorf("read body: %w", err)
	}
	return doc, nil
}
