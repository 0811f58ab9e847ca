package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/pipeline"
	"github.com/masahif/telecrawl/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// resetViper restores the bindings of a freshly started process
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	bindConfig()
	initConfig()
	t.Cleanup(func() {
		cfgFile = ""
		viper.Reset()
		bindConfig()
	})
}

func TestSetVersionInfo(t *testing.T) {
	SetVersionInfo("1.2.3", "2024-05-01T10:00:00Z")

	expected := "1.2.3 (built 2024-05-01T10:00:00Z)"
	if rootCmd.Version != expected {
		t.Errorf("Expected version %s, got %s", expected, rootCmd.Version)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"partial failure", fmt.Errorf("%w: 1 failed", pipeline.ErrPartialFailure), 2},
		{"run failed", fmt.Errorf("%w: load", pipeline.ErrRunFailed), 1},
		{"configuration", config.ErrMissingCredentials, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRootCmd(t *testing.T) {
	if rootCmd.Use != "telecrawl" {
		t.Errorf("Expected use 'telecrawl', got %s", rootCmd.Use)
	}

	for _, name := range []string{"show-config", "skip-load", "channel", "source", "concurrency", "limit", "backfill", "media"} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Errorf("Flag --%s not defined", name)
		}
	}
	for _, name := range []string{"config", "data-dir", "database", "db-driver", "log-level"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Persistent flag --%s not defined", name)
		}
	}

	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "load" {
			found = c.Flags().Lookup("since") != nil
		}
	}
	if !found {
		t.Errorf("load subcommand with --since not registered")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	def := config.DefaultConfig()
	if strings.Join(cfg.Channels, ",") != strings.Join(def.Channels, ",") {
		t.Errorf("Channels = %v, want %v", cfg.Channels, def.Channels)
	}
	if cfg.Concurrency != def.Concurrency || cfg.ChannelDelay != def.ChannelDelay || cfg.RawStore.Path != def.RawStore.Path {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if len(cfg.Extraction.Products) == 0 {
		t.Errorf("Default extraction rules lost")
	}
}

func TestInitConfigFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "telecrawl.yml")
	content := `
channels:
  - "@tikvahpharma"
concurrency: 4
channel_delay: 10s
raw_store:
  driver: postgres
  dsn: "postgres://telecrawl@localhost/raw"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfgFile = configFile
	resetViper(t)

	if viper.ConfigFileUsed() != configFile {
		t.Errorf("Expected config file %s, got %s", configFile, viper.ConfigFileUsed())
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	// The file's channel list replaces the defaults instead of merging
	if len(cfg.Channels) != 1 || cfg.Channels[0] != "@tikvahpharma" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.Concurrency != 4 || cfg.ChannelDelay != 10*time.Second {
		t.Errorf("Unexpected crawl settings %+v", cfg)
	}
	if cfg.RawStore.Driver != config.DriverPostgres || cfg.RawStore.DSN == "" {
		t.Errorf("Unexpected raw store %+v", cfg.RawStore)
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("TELECRAWL_CHANNELS", "chemed123,lobelia4cosmetics")
	t.Setenv("TELECRAWL_CONCURRENCY", "3")
	t.Setenv("TELECRAWL_TELEGRAM_API_ID", "12345")
	t.Setenv("TELECRAWL_TELEGRAM_API_HASH", "0123456789abcdef")
	t.Setenv("TELECRAWL_MEDIA_S3_BUCKET", "telegram-media")
	resetViper(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if strings.Join(cfg.Channels, ",") != "chemed123,lobelia4cosmetics" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
	if cfg.Telegram.APIID != 12345 || cfg.Telegram.APIHash != "0123456789abcdef" {
		t.Errorf("Credentials not read from the environment: %+v", cfg.Telegram)
	}
	if cfg.Media.S3.Bucket != "telegram-media" {
		t.Errorf("S3 bucket = %q", cfg.Media.S3.Bucket)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("ValidateCredentials failed: %v", err)
	}
}

func TestLoadConfigLegacyEnvironment(t *testing.T) {
	t.Setenv("Tg_API_ID", "777")
	t.Setenv("Tg_API_HASH", "legacyhash")
	resetViper(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Telegram.APIID != 777 || cfg.Telegram.APIHash != "legacyhash" {
		t.Errorf("Legacy credentials not read: %+v", cfg.Telegram)
	}
}

func TestShowCurrentConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telegram.APIHash = "supersecrethash"
	cfg.RawStore.DSN = "postgres://user:hunter2@db/raw"

	var buf bytes.Buffer
	if err := showCurrentConfig(&buf, cfg); err != nil {
		t.Fatalf("showCurrentConfig failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"channels:", "page_size: 100", "TELECRAWL_"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output", want)
		}
	}
	for _, secret := range []string{"supersecrethash", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("Secret %q printed", secret)
		}
	}

	if err := showCurrentConfig(&buf, nil); err == nil {
		t.Errorf("Expected error for nil config")
	}
}

// previewServer serves a public preview of n messages for chemed123
func previewServer(t *testing.T, n int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.URL.Path, "/s/chemed123") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		first := n - 4
		if after := r.URL.Query().Get("after"); after != "" {
			a, _ := strconv.Atoi(after)
			first = a + 1
		}
		if first < 1 {
			first = 1
		}
		var sb strings.Builder
		sb.WriteString(`<html><body><div class="tgme_channel_info_header_title">CheMed</div>`)
		for id := first; id < first+5 && id <= n; id++ {
			fmt.Fprintf(&sb, `<div class="tgme_widget_message" data-post="CheMed123/%d">`+
				`<div class="tgme_widget_message_text">Amoxicillin 500mg %d ETB call 0911223344</div>`+
				`<time datetime="2024-05-01T08:%02d:00+00:00"></time></div>`, id, id*10, id)
		}
		sb.WriteString(`</body></html>`)
		_, _ = w.Write([]byte(sb.String()))
	}))
	t.Cleanup(server.Close)
	return server
}

func previewConfig(t *testing.T, baseURL string, channels ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Source = config.SourcePreview
	cfg.Channels = channels
	cfg.Preview.BaseURL = baseURL
	cfg.Preview.Timeout = 5 * time.Second
	cfg.PageSize = 5
	cfg.Backfill = 0
	cfg.MaxMessagesPerChannel = 0
	cfg.ChannelDelay = 0
	cfg.Backoff.Initial = time.Millisecond
	cfg.Backoff.Floor = time.Millisecond
	cfg.Media.Enabled = false
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.RawStore.Path = filepath.Join(dir, "data", "raw.db")
	cfg.Metrics.Textfile = filepath.Join(dir, "metrics", "telecrawl.prom")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func countRows(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	raw, err := storage.Open(cfg.RawStore, quietLogger())
	if err != nil {
		t.Fatalf("Open raw store failed: %v", err)
	}
	defer raw.Close()
	reader, ok := raw.(storage.Reader)
	if !ok {
		t.Fatalf("Raw store %T cannot be read back", raw)
	}
	n, err := reader.CountMessages(context.Background())
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	return n
}

func TestIngestPreviewEndToEnd(t *testing.T) {
	server := previewServer(t, 12)
	cfg := previewConfig(t, server.URL, "@CheMed123")

	if err := ingest(context.Background(), cfg, true, quietLogger()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if n := countRows(t, cfg); n != 12 {
		t.Errorf("Expected 12 rows, got %d", n)
	}
	if _, err := os.Stat(cfg.Metrics.Textfile); err != nil {
		t.Errorf("Metrics textfile missing: %v", err)
	}

	// Nothing new on the second run, and loading again changes nothing
	if err := ingest(context.Background(), cfg, true, quietLogger()); err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if err := loadOnly(context.Background(), cfg, "", quietLogger()); err != nil {
		t.Fatalf("loadOnly failed: %v", err)
	}
	if n := countRows(t, cfg); n != 12 {
		t.Errorf("Expected 12 rows after rerun, got %d", n)
	}
}

func TestIngestSkipLoad(t *testing.T) {
	server := previewServer(t, 3)
	cfg := previewConfig(t, server.URL, "chemed123")

	if err := ingest(context.Background(), cfg, false, quietLogger()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := os.Stat(cfg.RawStore.Path); !os.IsNotExist(err) {
		t.Errorf("Raw store must not be created with load skipped")
	}

	// A later load picks up what the crawl published
	if err := loadOnly(context.Background(), cfg, "2024-01-01", quietLogger()); err != nil {
		t.Fatalf("loadOnly failed: %v", err)
	}
	if n := countRows(t, cfg); n != 3 {
		t.Errorf("Expected 3 rows, got %d", n)
	}
}

func TestIngestExitCodes(t *testing.T) {
	server := previewServer(t, 3)

	err := ingest(context.Background(), previewConfig(t, server.URL, "chemed123", "nosuchchannel"), true, quietLogger())
	if !errors.Is(err, pipeline.ErrPartialFailure) || ExitCode(err) != 2 {
		t.Errorf("Expected partial failure, got %v", err)
	}

	err = ingest(context.Background(), previewConfig(t, server.URL, "nosuchchannel"), true, quietLogger())
	if !errors.Is(err, pipeline.ErrRunFailed) || ExitCode(err) != 1 {
		t.Errorf("Expected run failure, got %v", err)
	}
}

func TestRunLoadRejectsBadSince(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	rootCmd.SetArgs([]string{"load", "--since", "May 1", "--data-dir", dir, "--database", filepath.Join(dir, "raw.db"), "--log-file", ""})
	defer rootCmd.SetArgs(nil)

	err := Execute()
	if err == nil || !strings.Contains(err.Error(), "--since") {
		t.Errorf("Expected --since error, got %v", err)
	}
}

func TestRunIngestRequiresCredentials(t *testing.T) {
	t.Setenv("TG_API_ID", "")
	t.Setenv("Tg_API_ID", "")
	t.Setenv("TG_API_HASH", "")
	t.Setenv("Tg_API_HASH", "")
	resetViper(t)
	rootCmd.SetArgs([]string{"--source", "mtproto", "--log-file", ""})
	defer rootCmd.SetArgs(nil)

	err := Execute()
	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Errorf("Expected ErrMissingCredentials, got %v", err)
	}
}
