package datalake

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/masahif/telecrawl/internal/crawler"
)

const (
	processedDir = "processed/telegram_messages"
	combinedName = "telegram_messages.csv"
)

// combinedColumns is the header of the combined export, in column order
var combinedColumns = []string{
	"channel_id", "channel_title", "channel_username",
	"detected_phone_numbers", "detected_prices", "detected_products",
	"edit_date", "forwards", "media_file", "media_type",
	"message_date", "message_id", "message_text", "message_url",
	"replies", "scraped_at", "views",
}

// CombinedPath returns the path of the combined export of date
func (s *Store) CombinedPath(date string) string {
	return filepath.Join(s.root, processedDir, date, combinedName)
}

// ExportDate writes every published record of date, across all channels,
// to processed/telegram_messages/<date>/telegram_messages.csv ordered by
// channel and message id. The file is replaced as a whole. A date without
// published records produces no file and an empty path.
func (s *Store) ExportDate(ctx context.Context, date string) (string, int, error) {
	if _, err := time.Parse(crawler.PartitionDateLayout, date); err != nil {
		return "", 0, fmt.Errorf("invalid partition date %q: %w", date, err)
	}

	keys, err := s.Partitions(ctx, date)
	if err != nil {
		return "", 0, err
	}
	var records []crawler.MessageRecord
	for _, key := range keys {
		if key.Date != date {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		part, err := s.ReadPartition(key)
		if err != nil {
			return "", 0, err
		}
		records = append(records, part...)
	}
	if len(records) == 0 {
		return "", 0, nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ChannelID != records[j].ChannelID {
			return records[i].ChannelID < records[j].ChannelID
		}
		return records[i].MessageID < records[j].MessageID
	})

	path := s.CombinedPath(date)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	err = writeFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(combinedColumns); err != nil {
			return err
		}
		for _, rec := range records {
			row, err := combinedRow(rec)
			if err != nil {
				return fmt.Errorf("message %d/%d: %w", rec.ChannelID, rec.MessageID, err)
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to write combined export: %w", err)
	}
	return path, len(records), nil
}

// combinedRow renders rec in combinedColumns order. List columns hold JSON
// arrays; absent optional values are empty cells.
func combinedRow(rec crawler.MessageRecord) ([]string, error) {
	phones, err := jsonCell(rec.DetectedPhoneNumbers)
	if err != nil {
		return nil, err
	}
	prices, err := jsonCell(rec.DetectedPrices)
	if err != nil {
		return nil, err
	}
	products, err := jsonCell(rec.DetectedProducts)
	if err != nil {
		return nil, err
	}

	var editDate, text string
	if rec.EditDate != nil {
		editDate = rec.EditDate.UTC().Format(time.RFC3339)
	}
	if rec.MessageText != nil {
		text = *rec.MessageText
	}

	return []string{
		strconv.FormatInt(rec.ChannelID, 10),
		rec.ChannelTitle,
		rec.ChannelUsername,
		phones,
		prices,
		products,
		editDate,
		strconv.Itoa(rec.Forwards),
		rec.MediaFile,
		string(rec.MediaType),
		rec.MessageDate.UTC().Format(time.RFC3339),
		strconv.FormatInt(rec.MessageID, 10),
		text,
		rec.MessageURL,
		strconv.Itoa(rec.Replies),
		rec.ScrapedAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(rec.Views),
	}, nil
}

func jsonCell(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}
