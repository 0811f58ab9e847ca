package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStorage implements RawStore using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	storage := &SQLiteStorage{db: db}

	if err := storage.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// InitSchema creates the database schema
func (s *SQLiteStorage) InitSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000", // 30 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// LoadBatch upserts records and moves the partition checkpoint to batches.
// A stored row is replaced only when the incoming record was scraped
// strictly later.
func (s *SQLiteStorage) LoadBatch(ctx context.Context, partition string, batches int, records []crawler.MessageRecord) (UpsertResult, error) {
	var res UpsertResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range records {
		outcome, err := s.upsertMessage(ctx, tx, &records[i])
		if err != nil {
			return UpsertResult{}, err
		}
		switch outcome {
		case outcomeInserted:
			res.Inserted++
		case outcomeUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO load_checkpoints (partition_key, batches_loaded, loaded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(partition_key) DO UPDATE SET
			batches_loaded = excluded.batches_loaded,
			loaded_at = excluded.loaded_at
		WHERE excluded.batches_loaded > load_checkpoints.batches_loaded
	`, partition, batches, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to save checkpoint for %s: %w", partition, err)
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit batch for %s: %w", partition, err)
	}
	return res, nil
}

type upsertOutcome int

const (
	outcomeSkipped upsertOutcome = iota
	outcomeInserted
	outcomeUpdated
)

func (s *SQLiteStorage) upsertMessage(ctx context.Context, tx *sql.Tx, rec *crawler.MessageRecord) (upsertOutcome, error) {
	var stored string
	err := tx.QueryRowContext(ctx, `
		SELECT scraped_at FROM telegram_messages WHERE channel_id = ? AND message_id = ?
	`, rec.ChannelID, rec.MessageID).Scan(&stored)

	outcome := outcomeInserted
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return outcomeSkipped, fmt.Errorf("failed to read message %d/%d: %w", rec.ChannelID, rec.MessageID, err)
	default:
		storedAt, perr := time.Parse(timeLayout, stored)
		if perr == nil && !rec.ScrapedAt.After(storedAt) {
			return outcomeSkipped, nil
		}
		outcome = outcomeUpdated
	}

	var editDate any
	if rec.EditDate != nil {
		editDate = rec.EditDate.UTC().Format(timeLayout)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO telegram_messages (
			channel_id, message_id, channel_username, channel_title, message_date,
			message_text, edit_date, views, forwards, replies, media_type,
			media_file, message_url, scraped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, message_id) DO UPDATE SET
			channel_username = excluded.channel_username,
			channel_title = excluded.channel_title,
			message_date = excluded.message_date,
			message_text = excluded.message_text,
			edit_date = excluded.edit_date,
			views = excluded.views,
			forwards = excluded.forwards,
			replies = excluded.replies,
			media_type = excluded.media_type,
			media_file = excluded.media_file,
			message_url = excluded.message_url,
			scraped_at = excluded.scraped_at
	`,
		rec.ChannelID, rec.MessageID, rec.ChannelUsername, rec.ChannelTitle,
		rec.MessageDate.UTC().Format(timeLayout), rec.MessageText, editDate,
		rec.Views, rec.Forwards, rec.Replies, mediaType(rec.MediaType),
		nullableString(rec.MediaFile), rec.MessageURL, rec.ScrapedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to write message %d/%d: %w", rec.ChannelID, rec.MessageID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM telegram_message_detections WHERE channel_id = ? AND message_id = ?
	`, rec.ChannelID, rec.MessageID); err != nil {
		return outcomeSkipped, fmt.Errorf("failed to clear detections: %w", err)
	}

	dets := detectionsFor(*rec)
	if len(dets) == 0 {
		return outcome, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telegram_message_detections (channel_id, message_id, kind, value, amount, currency, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, d := range dets {
		if _, err := stmt.ExecContext(ctx, rec.ChannelID, rec.MessageID, d.Kind, d.Value, d.Amount, d.Currency, d.Position); err != nil {
			return outcomeSkipped, fmt.Errorf("failed to insert detection: %w", err)
		}
	}
	return outcome, nil
}

// Checkpoint returns the number of batches of partition already loaded
func (s *SQLiteStorage) Checkpoint(ctx context.Context, partition string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT batches_loaded FROM load_checkpoints WHERE partition_key = ?
	`, partition).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint for %s: %w", partition, err)
	}
	return n, nil
}

// GetMessage reads one message row and its detection count
func (s *SQLiteStorage) GetMessage(ctx context.Context, channelID, messageID int64) (*StoredMessage, error) {
	var (
		m         StoredMessage
		text      sql.NullString
		mediaFile sql.NullString
		scrapedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, message_id, message_text, views, media_file, scraped_at,
			(SELECT COUNT(*) FROM telegram_message_detections d
			 WHERE d.channel_id = m.channel_id AND d.message_id = m.message_id)
		FROM telegram_messages m WHERE channel_id = ? AND message_id = ?
	`, channelID, messageID).Scan(&m.ChannelID, &m.MessageID, &text, &m.Views, &mediaFile, &scrapedAt, &m.Detections)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if text.Valid {
		m.MessageText = &text.String
	}
	m.MediaFile = mediaFile.String
	if m.ScrapedAt, err = time.Parse(timeLayout, scrapedAt); err != nil {
		return nil, fmt.Errorf("invalid scraped_at %q: %w", scrapedAt, err)
	}
	return &m, nil
}

// CountMessages returns the number of stored messages
func (s *SQLiteStorage) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telegram_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
