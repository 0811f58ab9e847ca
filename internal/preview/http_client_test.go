package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "telecrawl/1.0" {
			t.Errorf("Expected User-Agent 'telecrawl/1.0', got '%s'", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		// Add delay to test TTFB
		time.Sleep(50 * time.Millisecond)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>Test Page</body></html>"))
	}))
	defer server.Close()

	client := NewHTTPClient("telecrawl/1.0", 30*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("Expected status code 200, got %d", resp.StatusCode)
	}
	if resp.Metrics.TTFB < 50*time.Millisecond {
		t.Errorf("TTFB should be at least 50ms, got %v", resp.Metrics.TTFB)
	}
	if resp.Metrics.DownloadTime < resp.Metrics.TTFB {
		t.Errorf("Download time should be greater than TTFB")
	}
	if string(resp.Body) != "<html><body>Test Page</body></html>" {
		t.Errorf("Unexpected body '%s'", string(resp.Body))
	}
}

func TestHTTPClientRedirect(t *testing.T) {
	redirectCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if redirectCount < 2 {
			redirectCount++
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Final page"))
	}))
	defer server.Close()

	client := NewHTTPClient("telecrawl/1.0", 30*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}
	if resp.FinalURL != server.URL+"/final" {
		t.Errorf("Expected final URL '%s', got '%s'", server.URL+"/final", resp.FinalURL)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient("telecrawl/1.0", 1*time.Second)
	defer client.Close()

	if _, err := client.Get(context.Background(), server.URL); err == nil {
		t.Errorf("Expected timeout error, got nil")
	}
}

func TestHTTPClientErrorCases(t *testing.T) {
	client := NewHTTPClient("telecrawl/1.0", 30*time.Second)
	defer client.Close()
	ctx := context.Background()

	if _, err := client.Get(ctx, "invalid-url"); err == nil {
		t.Errorf("Expected error for invalid URL, got nil")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	resp, err := client.Get(ctx, server.URL)
	if err != nil {
		t.Errorf("Unexpected error for server error response: %v", err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("Expected status code 500, got %d", resp.StatusCode)
	}

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := client.Get(cancelledCtx, server.URL); err == nil {
		t.Errorf("Expected error for cancelled context, got nil")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   crawler.Kind
		isNil  bool
	}{
		{200, 0, true},
		{204, 0, true},
		{404, crawler.Permanent, false},
		{410, crawler.Permanent, false},
		{403, crawler.Permanent, false},
		{429, crawler.Throttled, false},
		{500, crawler.Transient, false},
		{503, crawler.Transient, false},
	}
	for _, tt := range tests {
		err := classifyStatus("test", tt.status, http.Header{})
		if tt.isNil {
			if err != nil {
				t.Errorf("classifyStatus(%d) = %v, want nil", tt.status, err)
			}
			continue
		}
		if got := crawler.KindOf(err); got != tt.want {
			t.Errorf("classifyStatus(%d) kind = %v, want %v", tt.status, got, tt.want)
		}
	}
}
