// Package datalake stores message records as JSON Lines batches partitioned
// by channel and scrape date, and reads them back for the loader.
//
// Layout:
//
//	<root>/raw/telegram_messages/<YYYY-MM-DD>/<channel_id>/batch-000001.jsonl
//	<root>/raw/telegram_messages/<YYYY-MM-DD>/<channel_id>/_manifest.json
//	<root>/runs/<YYYY-MM-DD>/<run_id>.json
//
// A batch file is published by listing it in the partition manifest. Files
// not listed in the manifest are leftovers of an interrupted write and are
// ignored by readers.
package datalake

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
)

const (
	messagesDir  = "raw/telegram_messages"
	runsDir      = "runs"
	manifestName = "_manifest.json"
)

// BatchEntry describes one published batch file
type BatchEntry struct {
	File       string    `json:"file"`
	Count      int       `json:"count"`
	MessageIDs []int64   `json:"message_ids"`
	WrittenAt  time.Time `json:"written_at"`
}

// Manifest lists the published batches of a partition
type Manifest struct {
	ChannelID int64        `json:"channel_id"`
	Date      string       `json:"date"`
	Batches   []BatchEntry `json:"batches"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store is the file-based partitioned raw store
type Store struct {
	root string

	mu    sync.Mutex
	locks map[crawler.PartitionKey]*sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, messagesDir), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{root: dir, locks: make(map[crawler.PartitionKey]*sync.Mutex)}, nil
}

// PartitionDir returns the directory of a partition
func (s *Store) PartitionDir(key crawler.PartitionKey) string {
	return filepath.Join(s.root, messagesDir, key.Date, strconv.FormatInt(key.ChannelID, 10))
}

func (s *Store) lock(key crawler.PartitionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Write publishes the records of key that the partition does not already
// hold. Either the whole batch becomes visible or none of it does.
func (s *Store) Write(ctx context.Context, key crawler.PartitionKey, records []crawler.MessageRecord) (crawler.WriteResult, error) {
	var res crawler.WriteResult
	if len(records) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	dir := s.PartitionDir(key)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return res, crawler.NewTransient("write partition", err)
	}

	manifest, err := s.ReadManifest(key)
	if err != nil {
		return res, crawler.NewTransient("read manifest", err)
	}

	present := make(map[int64]bool)
	for _, b := range manifest.Batches {
		for _, id := range b.MessageIDs {
			present[id] = true
		}
	}

	fresh := make([]crawler.MessageRecord, 0, len(records))
	for _, rec := range records {
		if rec.ChannelID != key.ChannelID {
			return res, crawler.NewPermanent("write partition",
				fmt.Errorf("record %d belongs to channel %d, not %d", rec.MessageID, rec.ChannelID, key.ChannelID))
		}
		if present[rec.MessageID] {
			res.Duplicates++
			continue
		}
		present[rec.MessageID] = true
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	name := fmt.Sprintf("batch-%06d.jsonl", len(manifest.Batches)+1)
	err = writeFileAtomic(filepath.Join(dir, name), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, rec := range fresh {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, crawler.NewTransient("write batch", err)
	}

	entry := BatchEntry{File: name, Count: len(fresh), WrittenAt: time.Now().UTC()}
	for _, rec := range fresh {
		entry.MessageIDs = append(entry.MessageIDs, rec.MessageID)
	}
	manifest.ChannelID = key.ChannelID
	manifest.Date = key.Date
	manifest.Batches = append(manifest.Batches, entry)
	manifest.UpdatedAt = entry.WrittenAt

	if err := writeJSONAtomic(filepath.Join(dir, manifestName), manifest); err != nil {
		return res, crawler.NewTransient("publish manifest", err)
	}

	res.Written = len(fresh)
	res.Batch = name
	slog.Debug("Batch published", "channel_id", key.ChannelID, "date", key.Date, "batch", name, "records", len(fresh))
	return res, nil
}

// ReadManifest returns the manifest of key; a missing manifest is empty
func (s *Store) ReadManifest(key crawler.PartitionKey) (Manifest, error) {
	m := Manifest{ChannelID: key.ChannelID, Date: key.Date}
	data, err := os.ReadFile(filepath.Join(s.PartitionDir(key), manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest %s: %w", key.Date, err)
	}
	return m, nil
}

// Partitions lists published partitions ordered by date, then channel id.
// Dates before since (YYYY-MM-DD) are skipped when since is set.
func (s *Store) Partitions(ctx context.Context, since string) ([]crawler.PartitionKey, error) {
	base := filepath.Join(s.root, messagesDir)
	dates, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var keys []crawler.PartitionKey
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() {
			continue
		}
		if _, err := time.Parse(crawler.PartitionDateLayout, d.Name()); err != nil {
			continue
		}
		if since != "" && d.Name() < since {
			continue
		}
		channels, err := os.ReadDir(filepath.Join(base, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list partition %s: %w", d.Name(), err)
		}
		for _, c := range channels {
			id, err := strconv.ParseInt(c.Name(), 10, 64)
			if !c.IsDir() || err != nil {
				continue
			}
			if _, err := os.Stat(filepath.Join(base, d.Name(), c.Name(), manifestName)); err != nil {
				continue
			}
			keys = append(keys, crawler.PartitionKey{ChannelID: id, Date: d.Name()})
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Date != keys[j].Date {
			return keys[i].Date < keys[j].Date
		}
		return keys[i].ChannelID < keys[j].ChannelID
	})
	return keys, nil
}

// ReadBatch decodes one published batch file
func (s *Store) ReadBatch(key crawler.PartitionKey, file string) ([]crawler.MessageRecord, error) {
	f, err := os.Open(filepath.Join(s.PartitionDir(key), filepath.Base(file)))
	if err != nil {
		return nil, fmt.Errorf("failed to open batch: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []crawler.MessageRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec crawler.MessageRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", file, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", file, err)
	}
	return records, nil
}

// Batch is a published batch read back with its 1-based manifest position
type Batch struct {
	Seq     int
	File    string
	Records []crawler.MessageRecord
}

// ReadBatches returns the manifest-listed batches of key after the first
// from batches
func (s *Store) ReadBatches(key crawler.PartitionKey, from int) ([]Batch, error) {
	m, err := s.ReadManifest(key)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	var out []Batch
	for i := from; i < len(m.Batches); i++ {
		records, err := s.ReadBatch(key, m.Batches[i].File)
		if err != nil {
			return nil, err
		}
		out = append(out, Batch{Seq: i + 1, File: m.Batches[i].File, Records: records})
	}
	return out, nil
}

// ReadPartition returns every published record of key in batch order
func (s *Store) ReadPartition(key crawler.PartitionKey) ([]crawler.MessageRecord, error) {
	m, err := s.ReadManifest(key)
	if err != nil {
		return nil, err
	}
	var records []crawler.MessageRecord
	for _, b := range m.Batches {
		batch, err := s.ReadBatch(key, b.File)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
	return records, nil
}

// WriteRunSummary stores a run summary under runs/<date>/<run_id>.json and
// returns its path
func (s *Store) WriteRunSummary(date, runID string, summary any) (string, error) {
	dir := filepath.Join(s.root, runsDir, date)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create runs directory: %w", err)
	}
	path := filepath.Join(dir, runID+".json")
	if err := writeJSONAtomic(path, summary); err != nil {
		return "", fmt.Errorf("failed to write run summary: %w", err)
	}
	return path, nil
}

func writeJSONAtomic(path string, v any) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// writeFileAtomic writes to a temp file in the target directory, syncs it
// and renames it over path
func writeFileAtomic(path string, fill func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err = fill(buf); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
