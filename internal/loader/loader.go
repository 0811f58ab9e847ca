// Package loader moves published partitions from the file store into the
// relational raw table.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
	"github.com/masahif/telecrawl/internal/datalake"
	"github.com/masahif/telecrawl/internal/storage"
)

// Partitions is the read side of the partitioned file store
type Partitions interface {
	Partitions(ctx context.Context, since string) ([]crawler.PartitionKey, error)
	ReadBatches(key crawler.PartitionKey, from int) ([]datalake.Batch, error)
}

// Result summarizes one load
type Result struct {
	Partitions int           `json:"partitions"`
	Batches    int           `json:"batches"`
	Rows       int           `json:"rows"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	TableRows  int64         `json:"table_rows"` // Rows in the raw table afterwards, when the store can count them
	Duration   time.Duration `json:"duration_ns"`
}

// Loader upserts partitions batch by batch, resuming from the stored
// checkpoint of each partition
type Loader struct {
	source Partitions
	store  storage.RawStore
	log    *slog.Logger
}

// New creates a loader
func New(source Partitions, store storage.RawStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, store: store, log: logger.With("component", "loader")}
}

// Load loads every partition dated since or later (all when since is empty).
// Each batch and its checkpoint commit together, so an interrupted load
// resumes at the first uncommitted batch.
func (l *Loader) Load(ctx context.Context, since string) (res Result, err error) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	keys, err := l.source.Partitions(ctx, since)
	if err != nil {
		return res, fmt.Errorf("failed to list partitions: %w", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		name := storage.PartitionName(key)
		done, err := l.store.Checkpoint(ctx, name)
		if err != nil {
			return res, err
		}
		batches, err := l.source.ReadBatches(key, done)
		if err != nil {
			return res, fmt.Errorf("failed to read partition %s: %w", name, err)
		}
		if len(batches) == 0 {
			continue
		}

		var total storage.UpsertResult
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			up, err := l.store.LoadBatch(ctx, name, b.Seq, b.Records)
			if err != nil {
				return res, fmt.Errorf("failed to load %s/%s: %w", name, b.File, err)
			}
			total.Add(up)
			res.Batches++
			res.Rows += len(b.Records)
		}

		res.Partitions++
		res.Inserted += total.Inserted
		res.Updated += total.Updated
		res.Skipped += total.Skipped
		l.log.Info("Partition loaded", "partition", name, "batches", len(batches),
			"inserted", total.Inserted, "updated", total.Updated, "skipped", total.Skipped)
	}

	if r, ok := l.store.(storage.Reader); ok {
		n, err := r.CountMessages(ctx)
		if err != nil {
			l.log.Warn("Failed to count raw rows", "error", err)
		} else {
			res.TableRows = n
		}
	}

	l.log.Info("Load completed", "partitions", res.Partitions, "batches", res.Batches, "rows", res.Rows,
		"table_rows", res.TableRows)
	return res, nil
}
