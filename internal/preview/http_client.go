package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
)

// maxPageSize bounds how much of an HTML page is read into memory
const maxPageSize = 8 << 20

// HTTPClient performs preview and media requests
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// HTTPMetrics contains timing for one request
type HTTPMetrics struct {
	TTFB         time.Duration // Time to First Byte
	DownloadTime time.Duration // Total download time
}

// HTTPResponse contains a fully read response and its timing
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Metrics    HTTPMetrics
	FinalURL   string // After following redirects
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(userAgent string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{client: client, userAgent: userAgent}
}

// Open sends a GET request and returns the response with its body unread.
// The caller must close the body.
func (h *HTTPClient) Open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Get performs a GET request and reads the whole body, tracking time to
// first byte and total download time
func (h *HTTPClient) Get(ctx context.Context, url string) (*HTTPResponse, error) {
	var metrics HTTPMetrics
	var firstByteTime time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByteTime = time.Now()
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	startTime := time.Now()
	resp, err := h.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if !firstByteTime.IsZero() {
		metrics.TTFB = firstByteTime.Sub(startTime)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	metrics.DownloadTime = time.Since(startTime)

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Metrics:    metrics,
		FinalURL:   resp.Request.URL.String(),
	}, nil
}

// Close closes idle connections
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}

// classifyStatus maps an HTTP status to the crawl error taxonomy; nil for 2xx
func classifyStatus(op string, status int, header http.Header) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return crawler.NewThrottled(op, retryAfter(header.Get("Retry-After")), fmt.Errorf("HTTP %d", status))
	case status >= 500:
		return crawler.NewTransient(op, fmt.Errorf("HTTP %d", status))
	default:
		return crawler.NewPermanent(op, fmt.Errorf("HTTP %d", status))
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
