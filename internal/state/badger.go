// Package state persists per-channel crawl cursors in BadgerDB.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/masahif/telecrawl/internal/crawler"
)

const cursorPrefix = "cursor:"

// CursorStore implements crawler.CursorStore on BadgerDB
type CursorStore struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) the cursor store in dir
func Open(dir string, logger *slog.Logger) (*CursorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger.With("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store at %s: %w", dir, err)
	}
	return &CursorStore{db: db, log: logger.With("component", "cursors")}, nil
}

// OpenInMemory opens a store that lives only as long as the process
func OpenInMemory(logger *slog.Logger) (*CursorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = &badgerLogger{logger: logger.With("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cursor store: %w", err)
	}
	return &CursorStore{db: db, log: logger.With("component", "cursors")}, nil
}

// Close closes the database
func (s *CursorStore) Close() error {
	return s.db.Close()
}

func cursorKey(channel string) []byte {
	return []byte(cursorPrefix + strings.ToLower(channel))
}

// Load returns the cursor of channel and whether one was stored
func (s *CursorStore) Load(ctx context.Context, channel string) (crawler.Cursor, bool, error) {
	var cur crawler.Cursor
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(channel))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		})
	})
	if err != nil {
		return crawler.Cursor{}, false, fmt.Errorf("failed to load cursor for %s: %w", channel, err)
	}
	return cur, found, nil
}

// Save stores cursor for channel. A cursor older than the stored one is
// ignored so the persisted position only moves forward.
func (s *CursorStore) Save(ctx context.Context, channel string, cursor crawler.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(channel))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current crawler.Cursor
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &current) }); err != nil {
				return err
			}
			if current.LastMessageID > cursor.LastMessageID {
				s.log.Warn("Ignoring cursor regression", "channel", channel,
					"stored", current.LastMessageID, "proposed", cursor.LastMessageID)
				return nil
			}
		}
		return txn.SetEntry(badger.NewEntry(cursorKey(channel), data))
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", channel, err)
	}
	return nil
}

// badgerLogger adapts slog to Badger's logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
