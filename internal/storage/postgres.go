package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/masahif/telecrawl/internal/crawler"
)

// MessageRow is the raw.telegram_messages row
type MessageRow struct {
	ChannelID       int64     `gorm:"primaryKey;autoIncrement:false"`
	MessageID       int64     `gorm:"primaryKey;autoIncrement:false"`
	ChannelUsername string    `gorm:"type:text"`
	ChannelTitle    string    `gorm:"type:text"`
	MessageDate     time.Time `gorm:"not null;index"`
	MessageText     *string   `gorm:"type:text"`
	EditDate        *time.Time
	Views           int       `gorm:"not null;default:0;check:views >= 0"`
	Forwards        int       `gorm:"not null;default:0;check:forwards >= 0"`
	Replies         int       `gorm:"not null;default:0;check:replies >= 0"`
	MediaType       string    `gorm:"type:text;not null;default:none"`
	MediaFile       *string   `gorm:"type:text"`
	MessageURL      string    `gorm:"type:text"`
	ScrapedAt       time.Time `gorm:"not null;index"`
}

// TableName places the table in the raw schema
func (MessageRow) TableName() string { return "raw.telegram_messages" }

// DetectionRow is the raw.telegram_message_detections row
type DetectionRow struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID int64  `gorm:"not null;index:idx_detection_message"`
	MessageID int64  `gorm:"not null;index:idx_detection_message"`
	Kind      string `gorm:"type:text;not null;index:idx_detection_kind_value"`
	Value     string `gorm:"type:text;not null;index:idx_detection_kind_value"`
	Amount    *float64
	Currency  *string `gorm:"type:text"`
	Position  int     `gorm:"not null"`
}

// TableName places the table in the raw schema
func (DetectionRow) TableName() string { return "raw.telegram_message_detections" }

// CheckpointRow is the raw.load_checkpoints row
type CheckpointRow struct {
	PartitionKey  string    `gorm:"primaryKey;type:text"`
	BatchesLoaded int       `gorm:"not null"`
	LoadedAt      time.Time `gorm:"not null"`
}

// TableName places the table in the raw schema
func (CheckpointRow) TableName() string { return "raw.load_checkpoints" }

// PostgresStorage implements RawStore on PostgreSQL through gorm
type PostgresStorage struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewPostgresStorage connects to dsn and migrates the raw schema
func NewPostgresStorage(dsn string, log *slog.Logger) (*PostgresStorage, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS raw").Error; err != nil {
		return nil, fmt.Errorf("failed to create raw schema: %w", err)
	}
	if err := db.AutoMigrate(&MessageRow{}, &DetectionRow{}, &CheckpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &PostgresStorage{db: db, log: log.With("component", "postgres")}, nil
}

// Close closes the underlying connection pool
func (s *PostgresStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadBatch upserts records and moves the partition checkpoint to batches
// in one transaction
func (s *PostgresStorage) LoadBatch(ctx context.Context, partition string, batches int, records []crawler.MessageRecord) (UpsertResult, error) {
	var res UpsertResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = UpsertResult{}
		for i := range records {
			row := toMessageRow(&records[i])

			var existing MessageRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("channel_id = ? AND message_id = ?", row.ChannelID, row.MessageID).
				Take(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("failed to insert message %d/%d: %w", row.ChannelID, row.MessageID, err)
				}
				res.Inserted++
			case err != nil:
				return fmt.Errorf("failed to read message %d/%d: %w", row.ChannelID, row.MessageID, err)
			case !row.ScrapedAt.After(existing.ScrapedAt):
				res.Skipped++
				continue
			default:
				if err := tx.Save(&row).Error; err != nil {
					return fmt.Errorf("failed to update message %d/%d: %w", row.ChannelID, row.MessageID, err)
				}
				res.Updated++
			}

			if err := tx.Where("channel_id = ? AND message_id = ?", row.ChannelID, row.MessageID).
				Delete(&DetectionRow{}).Error; err != nil {
				return fmt.Errorf("failed to clear detections: %w", err)
			}
			if dets := toDetectionRows(&records[i]); len(dets) > 0 {
				if err := tx.Create(&dets).Error; err != nil {
					return fmt.Errorf("failed to insert detections: %w", err)
				}
			}
		}

		cp := CheckpointRow{PartitionKey: partition, BatchesLoaded: batches, LoadedAt: time.Now().UTC()}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "partition_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"batches_loaded": gorm.Expr("GREATEST(raw.load_checkpoints.batches_loaded, EXCLUDED.batches_loaded)"),
				"loaded_at":      gorm.Expr("EXCLUDED.loaded_at"),
			}),
		}).Create(&cp).Error
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to load batch for %s: %w", partition, err)
	}
	return res, nil
}

// Checkpoint returns the number of batches of partition already loaded
func (s *PostgresStorage) Checkpoint(ctx context.Context, partition string) (int, error) {
	var cp CheckpointRow
	err := s.db.WithContext(ctx).Where("partition_key = ?", partition).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint for %s: %w", partition, err)
	}
	return cp.BatchesLoaded, nil
}

// GetMessage reads one message row and its detection count
func (s *PostgresStorage) GetMessage(ctx context.Context, channelID, messageID int64) (*StoredMessage, error) {
	var row MessageRow
	err := s.db.WithContext(ctx).Where("channel_id = ? AND message_id = ?", channelID, messageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var dets int64
	if err := s.db.WithContext(ctx).Model(&DetectionRow{}).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Count(&dets).Error; err != nil {
		return nil, fmt.Errorf("failed to count detections: %w", err)
	}

	m := &StoredMessage{
		ChannelID:   row.ChannelID,
		MessageID:   row.MessageID,
		MessageText: row.MessageText,
		Views:       row.Views,
		ScrapedAt:   row.ScrapedAt,
		Detections:  int(dets),
	}
	if row.MediaFile != nil {
		m.MediaFile = *row.MediaFile
	}
	return m, nil
}

// CountMessages returns the number of stored messages
func (s *PostgresStorage) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&MessageRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// toMessageRow maps rec onto a row. Times are truncated to the microsecond
// precision of timestamptz so a reloaded record compares equal to its row.
func toMessageRow(rec *crawler.MessageRecord) MessageRow {
	row := MessageRow{
		ChannelID:       rec.ChannelID,
		MessageID:       rec.MessageID,
		ChannelUsername: rec.ChannelUsername,
		ChannelTitle:    rec.ChannelTitle,
		MessageDate:     rec.MessageDate.UTC().Truncate(time.Microsecond),
		MessageText:     rec.MessageText,
		Views:           rec.Views,
		Forwards:        rec.Forwards,
		Replies:         rec.Replies,
		MediaType:       mediaType(rec.MediaType),
		MediaFile:       nullableString(rec.MediaFile),
		MessageURL:      rec.MessageURL,
		ScrapedAt:       rec.ScrapedAt.UTC().Truncate(time.Microsecond),
	}
	if rec.EditDate != nil {
		edited := rec.EditDate.UTC().Truncate(time.Microsecond)
		row.EditDate = &edited
	}
	return row
}

func toDetectionRows(rec *crawler.MessageRecord) []DetectionRow {
	dets := detectionsFor(*rec)
	rows := make([]DetectionRow, 0, len(dets))
	for _, d := range dets {
		rows = append(rows, DetectionRow{
			ChannelID: rec.ChannelID,
			MessageID: rec.MessageID,
			Kind:      d.Kind,
			Value:     d.Value,
			Amount:    d.Amount,
			Currency:  d.Currency,
			Position:  d.Position,
		})
	}
	return rows
}
