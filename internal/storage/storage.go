// Package storage provides the relational raw store the loader writes to.
// It implements the same freshness-driven upsert on SQLite (default, file
// based) and PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
)

// UpsertResult counts what a load did to the raw table
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Add accumulates other into r
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
}

// StoredMessage is a raw table row as read back
type StoredMessage struct {
	ChannelID   int64
	MessageID   int64
	MessageText *string
	Views       int
	MediaFile   string
	ScrapedAt   time.Time
	Detections  int
}

// RawStore is a relational raw store
type RawStore interface {
	// LoadBatch upserts records and advances the checkpoint of partition to
	// batches in a single transaction
	LoadBatch(ctx context.Context, partition string, batches int, records []crawler.MessageRecord) (UpsertResult, error)
	// Checkpoint returns the number of batches of partition already loaded
	Checkpoint(ctx context.Context, partition string) (int, error)
	Close() error
}

// Reader reads the raw table back. Both stores implement it.
type Reader interface {
	GetMessage(ctx context.Context, channelID, messageID int64) (*StoredMessage, error)
	CountMessages(ctx context.Context) (int64, error)
}

// PartitionName is the checkpoint key of a partition
func PartitionName(key crawler.PartitionKey) string {
	return key.Date + "/" + strconv.FormatInt(key.ChannelID, 10)
}

// Open opens the raw store selected by cfg
func Open(cfg config.RawStoreConfig, logger *slog.Logger) (RawStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return NewPostgresStorage(cfg.DSN, logger)
	case config.DriverSQLite, "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return NewSQLiteStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.Driver)
	}
}

// detection is one derived annotation row
type detection struct {
	Kind     string
	Value    string
	Amount   *float64
	Currency *string
	Position int
}

func detectionsFor(rec crawler.MessageRecord) []detection {
	var out []detection
	for i, p := range rec.DetectedProducts {
		out = append(out, detection{Kind: "product", Value: p, Position: i})
	}
	for i, p := range rec.DetectedPrices {
		amount, currency := p.Amount, p.Currency
		out = append(out, detection{
			Kind:     "price",
			Value:    strconv.FormatFloat(p.Amount, 'f', -1, 64) + " " + p.Currency,
			Amount:   &amount,
			Currency: &currency,
			Position: i,
		})
	}
	for i, p := range rec.DetectedPhoneNumbers {
		out = append(out, detection{Kind: "phone", Value: p, Position: i})
	}
	return out
}

func mediaType(t crawler.MediaType) string {
	switch t {
	case crawler.MediaPhoto, crawler.MediaVideo, crawler.MediaOther:
		return string(t)
	default:
		return string(crawler.MediaNone)
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
