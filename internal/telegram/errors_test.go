package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/masahif/telecrawl/internal/crawler"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       crawler.Kind
		retryAfter time.Duration
	}{
		{"flood wait", tgerr.New(420, "FLOOD_WAIT_17"), crawler.Throttled, 17 * time.Second},
		{"wrapped flood wait", fmt.Errorf("rpc: %w", tgerr.New(420, "FLOOD_WAIT_3")), crawler.Throttled, 3 * time.Second},
		{"slow mode", tgerr.New(420, "SLOWMODE_WAIT_0"), crawler.Throttled, time.Second},
		{"private channel", tgerr.New(400, "CHANNEL_PRIVATE"), crawler.Permanent, 0},
		{"unknown username", tgerr.New(400, "USERNAME_NOT_OCCUPIED"), crawler.Permanent, 0},
		{"expired file reference", tgerr.New(400, "FILE_REFERENCE_EXPIRED"), crawler.Permanent, 0},
		{"other bad request", tgerr.New(400, "SOMETHING_ODD"), crawler.Permanent, 0},
		{"revoked session", tgerr.New(401, "SESSION_REVOKED"), crawler.Configuration, 0},
		{"server error", tgerr.New(500, "INTERNAL"), crawler.Transient, 0},
		{"network error", errors.New("connection reset"), crawler.Transient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("test", tt.err)
			if got := crawler.KindOf(err); got != tt.want {
				t.Errorf("Expected %v, got %v (%v)", tt.want, got, err)
			}
			if got := crawler.RetryAfterOf(err); got != tt.retryAfter {
				t.Errorf("Expected retry after %v, got %v", tt.retryAfter, got)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Cause must stay reachable")
			}
		})
	}

	if err := classify("test", nil); err != nil {
		t.Errorf("classify(nil) = %v", err)
	}
	if err := classify("test", context.Canceled); err != context.Canceled {
		t.Errorf("Context errors must pass through, got %v", err)
	}
}
