package crawler

import (
	"strconv"
	"strings"
	"time"

	"github.com/masahif/telecrawl/internal/extract"
)

// MediaType classifies the media attached to a message
type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaOther MediaType = "other"
)

// MediaRef points at downloadable media. Location is source specific and
// only understood by the source's own downloader.
type MediaRef struct {
	Type     MediaType
	Ext      string // File extension including the dot
	URL      string // Set by sources that serve media over HTTP
	Location any    // Set by sources with an opaque file handle
	Size     int64  // Expected size in bytes when known, 0 otherwise
}

// Downloadable reports whether the source gave a way to fetch the bytes
func (m MediaRef) Downloadable() bool {
	return m.URL != "" || m.Location != nil
}

// ChannelRef is a configured channel reference: "@name", "name" or a numeric id
type ChannelRef string

// Username returns the reference without the leading "@"
func (r ChannelRef) Username() string {
	return strings.TrimPrefix(strings.TrimSpace(string(r)), "@")
}

// NumericID returns the channel id when the reference is numeric
func (r ChannelRef) NumericID() (int64, bool) {
	id, err := strconv.ParseInt(r.Username(), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Key returns the stable key used for cursors and logs
func (r ChannelRef) Key() string {
	return strings.ToLower(r.Username())
}

// ChannelInfo is a resolved channel
type ChannelInfo struct {
	ID       int64
	Username string
	Title    string
	Peer     any // Source specific handle used for history requests
}

// RemoteMessage is a message as returned by a Source
type RemoteMessage struct {
	ID       int64
	Date     time.Time
	Text     *string
	Views    int
	Forwards int
	Replies  int
	EditDate *time.Time
	Media    *MediaRef
}

// Page is one page of history, ordered oldest first. LastID is the highest
// id the page covered, including service messages that carry no content;
// zero means the newest entry of Messages.
type Page struct {
	Messages []RemoteMessage
	LastID   int64
	HasMore  bool
}

// MessageRecord is the unit written to partitions and loaded into the raw table
type MessageRecord struct {
	MessageID            int64           `json:"message_id"`
	ChannelID            int64           `json:"channel_id"`
	ChannelUsername      string          `json:"channel_username"`
	ChannelTitle         string          `json:"channel_title"`
	MessageDate          time.Time       `json:"message_date"`
	MessageText          *string         `json:"message_text"`
	EditDate             *time.Time      `json:"edit_date,omitempty"`
	Views                int             `json:"views"`
	Forwards             int             `json:"forwards"`
	Replies              int             `json:"replies"`
	MediaType            MediaType       `json:"media_type"`
	MediaFile            string          `json:"media_file,omitempty"`
	MessageURL           string          `json:"message_url"`
	ScrapedAt            time.Time       `json:"scraped_at"`
	DetectedProducts     []string        `json:"detected_products"`
	DetectedPrices       []extract.Price `json:"detected_prices"`
	DetectedPhoneNumbers []string        `json:"detected_phone_numbers"`
}

// PartitionKey groups records at rest: one directory per channel per UTC day
type PartitionKey struct {
	ChannelID int64
	Date      string // YYYY-MM-DD
}

// PartitionDateLayout is the layout of PartitionKey.Date
const PartitionDateLayout = "2006-01-02"

// PartitionFor returns the partition a record belongs to
func PartitionFor(rec MessageRecord) PartitionKey {
	return PartitionKey{
		ChannelID: rec.ChannelID,
		Date:      rec.ScrapedAt.UTC().Format(PartitionDateLayout),
	}
}

// WriteResult reports what a Writer did with a batch
type WriteResult struct {
	Written    int    // Records published
	Duplicates int    // Records skipped because the partition already had them
	Batch      string // Published batch file name, empty if nothing new
}

// Cursor is a channel's durable crawl position
type Cursor struct {
	LastMessageID   int64     `json:"last_message_id"`
	LastMessageDate time.Time `json:"last_message_date"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Status is a channel's outcome for one run
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ChannelResult summarizes one channel crawl
type ChannelResult struct {
	Channel        string        `json:"channel"`
	ChannelID      int64         `json:"channel_id,omitempty"`
	Status         Status        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Pages          int           `json:"pages"`
	Messages       int           `json:"messages"`
	Written        int           `json:"written"`
	Duplicates     int           `json:"duplicates"`
	MediaFetched   int           `json:"media_fetched"`
	MediaFailed    int           `json:"media_failed"`
	Cursor         int64         `json:"cursor"`
	Duration       time.Duration `json:"duration"`
	FailedMessages int           `json:"failed_messages"`
}
