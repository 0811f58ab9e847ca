package crawler

import (
	"context"
	"time"
)

// Source is a remote message API
type Source interface {
	// Resolve turns a configured reference into a channel handle
	Resolve(ctx context.Context, ref ChannelRef) (ChannelInfo, error)
	// LatestMessageID returns the id of the newest message in the channel
	LatestMessageID(ctx context.Context, ch ChannelInfo) (int64, error)
	// History returns up to limit messages with id > afterID, oldest first
	History(ctx context.Context, ch ChannelInfo, afterID int64, limit int) (Page, error)
	// MessageURL returns the public link of a message
	MessageURL(ch ChannelInfo, messageID int64) string
}

// Pacer spaces the remote calls of one channel and learns from their
// outcomes. The channel's Controller is one.
type Pacer interface {
	Acquire(ctx context.Context) error
	Report(outcome Outcome, retryAfter time.Duration)
}

// MediaFetcher downloads a message's media to dest and returns the final path.
// Every download attempt goes through pacer when it is not nil.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref MediaRef, dest string, pacer Pacer) (string, error)
}

// Writer durably stores a batch of records in one partition
type Writer interface {
	Write(ctx context.Context, key PartitionKey, records []MessageRecord) (WriteResult, error)
}

// CursorStore persists per-channel cursors
type CursorStore interface {
	Load(ctx context.Context, channel string) (Cursor, bool, error)
	Save(ctx context.Context, channel string, cursor Cursor) error
}

// Recorder receives crawl events, typically to update metrics
type Recorder interface {
	PageFetched(channel string)
	MessagesWritten(channel string, written, duplicates int)
	MediaFetched(channel string, ok bool)
	Throttled(channel string, wait time.Duration)
	CursorAdvanced(channel string, messageID int64)
}

type nopRecorder struct{}

func (nopRecorder) PageFetched(string)               {}
func (nopRecorder) MessagesWritten(string, int, int) {}
func (nopRecorder) MediaFetched(string, bool)        {}
func (nopRecorder) Throttled(string, time.Duration)  {}
func (nopRecorder) CursorAdvanced(string, int64)     {}
