package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/masahif/telecrawl/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"padded", " error ", slog.LevelError},
		{"invalid level", "invalid", slog.LevelInfo},
		{"empty string", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != slog.LevelInfo {
		t.Errorf("Default level = %v, want %v", cfg.Level, slog.LevelInfo)
	}
	if cfg.FilePath != "" {
		t.Errorf("Default FilePath = %q, want empty", cfg.FilePath)
	}
	if cfg.MaxSize != 100 || cfg.MaxBackups != 5 || !cfg.Console {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LogConfig{
		Level:      "warn",
		File:       "/var/log/telecrawl/telecrawl.log",
		MaxSizeMB:  20,
		MaxBackups: 2,
	})

	if cfg.Level != slog.LevelWarn || cfg.FilePath != "/var/log/telecrawl/telecrawl.log" {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.MaxSize != 20 || cfg.MaxBackups != 2 || cfg.Console {
		t.Errorf("Unexpected config %+v", cfg)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, closer, err := NewLogger(Config{Level: slog.LevelInfo, Console: true})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer closer.Close()
		if logger == nil {
			t.Fatal("NewLogger returned nil logger")
		}
	})

	t.Run("file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "logs", "telecrawl.log")

		logger, closer, err := NewLogger(Config{
			Level:      slog.LevelDebug,
			FilePath:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
		})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Info("Channel crawled", "channel", "tikvahpharma", "written", 42)
		if err := closer.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		dayFile := filepath.Join(tmpDir, "logs", "telecrawl-"+time.Now().Format("2006-01-02")+".log")
		data, err := os.ReadFile(dayFile)
		if err != nil {
			t.Fatalf("Dated log file not created: %v", err)
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record); err != nil {
			t.Fatalf("Log record is not JSON: %v (%s)", err, data)
		}
		if record["msg"] != "Channel crawled" || record["channel"] != "tikvahpharma" || record["app"] != "telecrawl" {
			t.Errorf("Unexpected record %v", record)
		}
	})

	t.Run("level filters records", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "telecrawl.log")

		logger, closer, err := NewLogger(Config{Level: slog.LevelWarn, FilePath: logFile, MaxSize: 10})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("dropped")
		logger.Warn("kept")
		_ = closer.Close()

		data, _ := os.ReadFile(filepath.Join(tmpDir, "telecrawl-"+time.Now().Format("2006-01-02")+".log"))
		if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
			t.Errorf("Unexpected log contents %q", data)
		}
	})

	t.Run("no outputs configured defaults to console", func(t *testing.T) {
		logger, closer, err := NewLogger(Config{Level: slog.LevelInfo})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer closer.Close()
		if logger == nil {
			t.Fatal("NewLogger returned nil logger")
		}
	})
}

func TestSetDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	_, closer, err := SetDefault(Config{
		Level:      slog.LevelDebug,
		FilePath:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	defer closer.Close()

	slog.Info("test message from default logger")

	dayFile := filepath.Join(tmpDir, "test-"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(dayFile); os.IsNotExist(err) {
		t.Errorf("Log file was not created at %s", dayFile)
	}
}
