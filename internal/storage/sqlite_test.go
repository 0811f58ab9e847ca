package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
	"github.com/masahif/telecrawl/internal/extract"
)

var (
	_ RawStore = (*SQLiteStorage)(nil)
	_ RawStore = (*PostgresStorage)(nil)
	_ Reader   = (*SQLiteStorage)(nil)
	_ Reader   = (*PostgresStorage)(nil)
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func record(id int64, views int, text string, scrapedAt time.Time) crawler.MessageRecord {
	return crawler.MessageRecord{
		MessageID:            id,
		ChannelID:            1001,
		ChannelUsername:      "tikvahpharma",
		ChannelTitle:         "Tikvah Pharma",
		MessageDate:          time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		MessageText:          &text,
		Views:                views,
		MediaType:            crawler.MediaNone,
		MessageURL:           "https://t.me/tikvahpharma/42",
		ScrapedAt:            scrapedAt,
		DetectedProducts:     []string{"paracetamol"},
		DetectedPrices:       []extract.Price{{Amount: 150, Currency: "ETB"}},
		DetectedPhoneNumbers: []string{},
	}
}

func TestLoadBatchFreshnessWins(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	res, err := storage.LoadBatch(ctx, "2024-05-01/1001", 1, []crawler.MessageRecord{record(42, 10, "old", t1)})
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("Expected 1 insert, got %+v", res)
	}

	res, err = storage.LoadBatch(ctx, "2024-05-02/1001", 1, []crawler.MessageRecord{record(42, 25, "new", t2)})
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("Expected 1 update, got %+v", res)
	}

	// An older copy arriving later must not downgrade the row
	res, err = storage.LoadBatch(ctx, "2024-05-01/1001", 2, []crawler.MessageRecord{record(42, 10, "old", t1)})
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("Expected 1 skip, got %+v", res)
	}

	got, err := storage.GetMessage(ctx, 1001, 42)
	if err != nil || got == nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Views != 25 || *got.MessageText != "new" || !got.ScrapedAt.Equal(t2) {
		t.Errorf("Row was downgraded: %+v", got)
	}
	if got.Detections != 2 {
		t.Errorf("Expected 2 detections, got %d", got.Detections)
	}

	n, _ := storage.CountMessages(ctx)
	if n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func TestLoadOrderDoesNotMatter(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	older := []crawler.MessageRecord{record(1, 5, "a", t1), record(2, 7, "b", t1)}
	newer := []crawler.MessageRecord{record(2, 9, "b2", t2), record(3, 1, "c", t2)}

	load := func(batches ...[]crawler.MessageRecord) *SQLiteStorage {
		s := newTestStorage(t)
		for i, b := range batches {
			if _, err := s.LoadBatch(context.Background(), "p", i+1, b); err != nil {
				t.Fatalf("LoadBatch failed: %v", err)
			}
		}
		return s
	}

	inOrder := load(older, newer)
	reversed := load(newer, older)

	for _, id := range []int64{1, 2, 3} {
		a, _ := inOrder.GetMessage(context.Background(), 1001, id)
		b, _ := reversed.GetMessage(context.Background(), 1001, id)
		if a == nil || b == nil {
			t.Fatalf("Message %d missing", id)
		}
		if a.Views != b.Views || *a.MessageText != *b.MessageText || !a.ScrapedAt.Equal(b.ScrapedAt) {
			t.Errorf("Message %d differs by load order: %+v vs %+v", id, a, b)
		}
	}
}

func TestCheckpointOnlyMovesForward(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	n, err := storage.Checkpoint(ctx, "2024-05-01/1")
	if err != nil || n != 0 {
		t.Fatalf("Expected empty checkpoint, got %d (%v)", n, err)
	}

	if _, err := storage.LoadBatch(ctx, "2024-05-01/1", 3, nil); err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if _, err := storage.LoadBatch(ctx, "2024-05-01/1", 2, nil); err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}

	n, _ = storage.Checkpoint(ctx, "2024-05-01/1")
	if n != 3 {
		t.Errorf("Checkpoint moved backwards: %d", n)
	}
}

func TestLoadBatchKeepsNullText(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	rec := record(7, 0, "", time.Now().UTC())
	rec.MessageText = nil
	rec.DetectedProducts = nil
	rec.DetectedPrices = nil
	rec.MediaType = crawler.MediaPhoto
	rec.MediaFile = "data/raw/images/tikvahpharma/7.jpg"

	if _, err := storage.LoadBatch(ctx, "p", 1, []crawler.MessageRecord{rec}); err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	got, _ := storage.GetMessage(ctx, 1001, 7)
	if got == nil || got.MessageText != nil {
		t.Fatalf("Expected null text, got %+v", got)
	}
	if got.MediaFile != rec.MediaFile || got.Detections != 0 {
		t.Errorf("Unexpected row %+v", got)
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "raw.db")
	store, err := Open(config.RawStoreConfig{Driver: config.DriverSQLite, Path: path}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Database file not created: %v", err)
	}

	if _, err := Open(config.RawStoreConfig{Driver: "mysql"}, nil); err == nil {
		t.Error("Expected error for unknown driver")
	}
}

func TestPartitionName(t *testing.T) {
	got := PartitionName(crawler.PartitionKey{ChannelID: 1001, Date: "2024-05-01"})
	if got != "2024-05-01/1001" {
		t.Errorf("PartitionName() = %q", got)
	}
}
