// Package crawler provides the per-channel ingestion loop.
// It pages through a channel's history oldest first from a persisted cursor,
// enriches every message with extracted facts and media, hands batches to a
// partitioned writer and advances the cursor only after the write is durable.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/extract"
)

// Options controls a channel crawl
type Options struct {
	PageSize             int
	MaxMessages          int // Per run, 0=unlimited
	Backfill             int // Messages to fetch on a first crawl, 0=entire history
	MaxPageRetries       int
	FailureRateThreshold float64
	MediaDir             string // Empty disables media download
	Backoff              config.BackoffConfig
	WriteRetryDelay      time.Duration
}

// OptionsFromConfig derives crawl options from the run configuration
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PageSize:             cfg.PageSize,
		MaxMessages:          cfg.MaxMessagesPerChannel,
		Backfill:             cfg.Backfill,
		MaxPageRetries:       cfg.MaxPageRetries,
		FailureRateThreshold: cfg.FailureRateThreshold,
		Backoff:              cfg.Backoff,
		WriteRetryDelay:      200 * time.Millisecond,
	}
	if cfg.Media.Enabled {
		opts.MediaDir = cfg.Media.Dir
	}
	return opts
}

// Dependencies are the collaborators of a ChannelCrawler. Media, Recorder
// and Logger are optional.
type Dependencies struct {
	Source    Source
	Extractor *extract.Extractor
	Writer    Writer
	Cursors   CursorStore
	Media     MediaFetcher
	Recorder  Recorder
	Logger    *slog.Logger
}

// ChannelCrawler crawls one channel for one run. It is not safe for
// concurrent use; the pipeline runs exactly one per channel.
type ChannelCrawler struct {
	ref      ChannelRef
	key      string
	deps     Dependencies
	opts     Options
	backoff  *Controller
	log      *slog.Logger
	recorder Recorder
}

// NewChannelCrawler creates a crawler for ref
func NewChannelCrawler(ref ChannelRef, deps Dependencies, opts Options) *ChannelCrawler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.MaxPageRetries <= 0 {
		opts.MaxPageRetries = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	return &ChannelCrawler{
		ref:      ref,
		key:      ref.Key(),
		deps:     deps,
		opts:     opts,
		backoff:  NewController(opts.Backoff),
		log:      logger.With("channel", ref.Key()),
		recorder: recorder,
	}
}

// Run crawls the channel until its history is exhausted, the per-run cap is
// reached, the retry budget for a page runs out or ctx is cancelled. The
// returned result always reflects the cursor that was durably saved.
func (c *ChannelCrawler) Run(ctx context.Context) (res ChannelResult) {
	start := time.Now()
	res = ChannelResult{Channel: c.key}
	defer func() { res.Duration = time.Since(start) }()

	cursor, found, err := c.deps.Cursors.Load(ctx, c.key)
	if err != nil {
		return c.fail(&res, fmt.Errorf("load cursor: %w", err))
	}
	res.Cursor = cursor.LastMessageID

	var info ChannelInfo
	err = c.call(ctx, "resolve", func(ctx context.Context) error {
		var err error
		info, err = c.deps.Source.Resolve(ctx, c.ref)
		return err
	})
	if err != nil {
		return c.fail(&res, err)
	}
	res.ChannelID = info.ID
	c.log.Info("Channel resolved", "channel_id", info.ID, "title", info.Title, "cursor", cursor.LastMessageID)

	after := cursor.LastMessageID
	if !found && c.opts.Backfill > 0 {
		var latest int64
		err = c.call(ctx, "latest", func(ctx context.Context) error {
			var err error
			latest, err = c.deps.Source.LatestMessageID(ctx, info)
			return err
		})
		if err != nil {
			return c.fail(&res, err)
		}
		if latest > int64(c.opts.Backfill) {
			after = latest - int64(c.opts.Backfill)
		}
		c.log.Info("First crawl of channel", "latest_message_id", latest, "start_after", after)
	}

	for {
		if ctx.Err() != nil {
			return c.cancelled(&res)
		}

		limit := c.opts.PageSize
		if c.opts.MaxMessages > 0 {
			remaining := c.opts.MaxMessages - res.Messages
			if remaining <= 0 {
				c.log.Info("Channel reached message limit", "limit", c.opts.MaxMessages)
				break
			}
			if remaining < limit {
				limit = remaining
			}
		}

		var page Page
		err := c.call(ctx, "history", func(ctx context.Context) error {
			var err error
			page, err = c.deps.Source.History(ctx, info, after, limit)
			return err
		})
		if err != nil {
			return c.fail(&res, err)
		}
		res.Pages++
		c.recorder.PageFetched(c.key)

		messages := newerThan(page.Messages, after)
		last := page.LastID
		if len(messages) > 0 && messages[len(messages)-1].ID > last {
			last = messages[len(messages)-1].ID
		}
		if last <= after {
			break
		}

		written, dups, fetched, failed := 0, 0, 0, 0
		if len(messages) > 0 {
			var records []MessageRecord
			var ok bool
			records, fetched, failed, ok = c.enrich(ctx, info, messages)
			if !ok {
				return c.cancelled(&res)
			}

			written, dups, err = c.write(ctx, records)
			res.Written += written
			res.Duplicates += dups
			if err != nil {
				return c.fail(&res, err)
			}
			c.recorder.MessagesWritten(c.key, written, dups)
		}

		// Ids without content (service messages) move the cursor as well
		if last > cursor.LastMessageID {
			next := Cursor{
				LastMessageID:   last,
				LastMessageDate: cursor.LastMessageDate,
				UpdatedAt:       time.Now().UTC(),
			}
			if len(messages) > 0 {
				next.LastMessageDate = messages[len(messages)-1].Date.UTC()
			}
			if err := c.deps.Cursors.Save(ctx, c.key, next); err != nil {
				return c.fail(&res, fmt.Errorf("save cursor: %w", err))
			}
			cursor = next
			res.Cursor = next.LastMessageID
			c.recorder.CursorAdvanced(c.key, next.LastMessageID)
		}

		res.Messages += len(messages)
		res.FailedMessages += failed
		res.MediaFetched += fetched
		res.MediaFailed += failed
		after = last

		c.log.Info("Page stored", "page", res.Pages, "messages", len(messages), "written", written,
			"duplicates", dups, "cursor", cursor.LastMessageID)

		if !page.HasMore {
			break
		}
	}

	if res.Messages > 0 && c.opts.FailureRateThreshold > 0 {
		rate := float64(res.FailedMessages) / float64(res.Messages)
		if rate > c.opts.FailureRateThreshold {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("%d of %d messages failed (%.0f%% > %.0f%%)",
				res.FailedMessages, res.Messages, rate*100, c.opts.FailureRateThreshold*100)
			c.log.Warn("Channel exceeded failure rate", "reason", res.Reason)
			return res
		}
	}

	res.Status = StatusSucceeded
	c.log.Info("Channel crawl completed", "pages", res.Pages, "messages", res.Messages,
		"written", res.Written, "duplicates", res.Duplicates, "cursor", res.Cursor)
	return res
}

// call runs fn under the backoff controller, retrying throttled and
// transient failures up to MaxPageRetries attempts.
func (c *ChannelCrawler) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxPageRetries; attempt++ {
		if err := c.backoff.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			c.backoff.Report(Success, 0)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := KindOf(err)
		if kind == Permanent || kind == Configuration {
			return err
		}

		c.backoff.Report(OutcomeOf(err), RetryAfterOf(err))
		if kind == Throttled {
			c.recorder.Throttled(c.key, RetryAfterOf(err))
		}
		c.log.Warn("Remote call failed", "op", op, "attempt", attempt, "kind", kind.String(),
			"next_interval", c.backoff.Interval(), "error", err)
		lastErr = err
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, c.opts.MaxPageRetries, lastErr)
}

// enrich turns remote messages into records. It reports how many media
// files were fetched and how many messages had media that could not be
// fetched, and ok=false if ctx was cancelled while the page was processed.
func (c *ChannelCrawler) enrich(ctx context.Context, info ChannelInfo, messages []RemoteMessage) ([]MessageRecord, int, int, bool) {
	scrapedAt := time.Now().UTC()
	records := make([]MessageRecord, 0, len(messages))
	fetched, failed := 0, 0

	for _, msg := range messages {
		var text string
		if msg.Text != nil {
			text = *msg.Text
		}
		facts := c.deps.Extractor.Extract(text)

		rec := MessageRecord{
			MessageID:            msg.ID,
			ChannelID:            info.ID,
			ChannelUsername:      info.Username,
			ChannelTitle:         info.Title,
			MessageDate:          msg.Date.UTC(),
			MessageText:          msg.Text,
			EditDate:             msg.EditDate,
			Views:                nonNegative(msg.Views),
			Forwards:             nonNegative(msg.Forwards),
			Replies:              nonNegative(msg.Replies),
			MediaType:            MediaNone,
			MessageURL:           c.deps.Source.MessageURL(info, msg.ID),
			ScrapedAt:            scrapedAt,
			DetectedProducts:     nonNilStrings(facts.Products),
			DetectedPrices:       facts.Prices,
			DetectedPhoneNumbers: nonNilStrings(facts.Phones),
		}
		if rec.DetectedPrices == nil {
			rec.DetectedPrices = []extract.Price{}
		}

		if msg.Media != nil && msg.Media.Type != "" && msg.Media.Type != MediaNone {
			rec.MediaType = msg.Media.Type
			if c.deps.Media != nil && c.opts.MediaDir != "" && msg.Media.Downloadable() {
				path, err := c.deps.Media.Fetch(ctx, *msg.Media, c.mediaPath(info, msg), mediaPacer{c})
				if ctx.Err() != nil {
					return nil, fetched, failed, false
				}
				if err != nil {
					failed++
					c.recorder.MediaFetched(c.key, false)
					c.log.Warn("Media fetch failed", "message_id", msg.ID, "kind", KindOf(err).String(), "error", err)
				} else {
					rec.MediaFile = path
					fetched++
					c.recorder.MediaFetched(c.key, true)
				}
			}
		}

		records = append(records, rec)
	}

	return records, fetched, failed, true
}

// write stores records grouped by partition. A failed partition write is
// retried; when the budget runs out the error is returned and the caller
// must not advance the cursor.
func (c *ChannelCrawler) write(ctx context.Context, records []MessageRecord) (int, int, error) {
	groups := make(map[PartitionKey][]MessageRecord)
	var keys []PartitionKey
	for _, rec := range records {
		k := PartitionFor(rec)
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], rec)
	}

	written, dups := 0, 0
	for _, k := range keys {
		var (
			result WriteResult
			err    error
		)
		delay := c.opts.WriteRetryDelay
		for attempt := 1; attempt <= c.opts.MaxPageRetries; attempt++ {
			result, err = c.deps.Writer.Write(ctx, k, groups[k])
			if err == nil {
				break
			}
			if KindOf(err) == Permanent || attempt == c.opts.MaxPageRetries {
				break
			}
			c.log.Warn("Partition write failed, retrying", "partition", k.Date, "attempt", attempt, "error", err)
			if !sleepCtx(ctx, delay) {
				return written, dups, ctx.Err()
			}
			delay *= 2
		}
		if err != nil {
			return written, dups, fmt.Errorf("write partition %d/%s: %w", k.ChannelID, k.Date, err)
		}
		written += result.Written
		dups += result.Duplicates
	}
	return written, dups, nil
}

func (c *ChannelCrawler) fail(res *ChannelResult, err error) ChannelResult {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.cancelled(res)
	}
	res.Status = StatusFailed
	res.Reason = err.Error()
	c.log.Error("Channel crawl failed", "kind", KindOf(err).String(), "cursor", res.Cursor, "error", err)
	return *res
}

func (c *ChannelCrawler) cancelled(res *ChannelResult) ChannelResult {
	res.Status = StatusCancelled
	res.Reason = "stop requested"
	c.log.Info("Channel crawl cancelled", "pages", res.Pages, "cursor", res.Cursor)
	return *res
}

// mediaPacer shares the channel's Controller with media downloads and
// records the throttling they run into
type mediaPacer struct {
	c *ChannelCrawler
}

func (p mediaPacer) Acquire(ctx context.Context) error {
	return p.c.backoff.Acquire(ctx)
}

func (p mediaPacer) Report(outcome Outcome, retryAfter time.Duration) {
	p.c.backoff.Report(outcome, retryAfter)
	if outcome == ThrottledOutcome {
		p.c.recorder.Throttled(p.c.key, retryAfter)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// mediaPath returns <media dir>/<channel>/<message id><ext>
func (c *ChannelCrawler) mediaPath(info ChannelInfo, msg RemoteMessage) string {
	dir := info.Username
	if dir == "" {
		dir = strconv.FormatInt(info.ID, 10)
	}
	dir = unsafeName.ReplaceAllString(dir, "_")
	ext := msg.Media.Ext
	if ext == "" {
		ext = ".bin"
	}
	return filepath.Join(c.opts.MediaDir, dir, strconv.FormatInt(msg.ID, 10)+ext)
}

// newerThan returns the messages with id > after, sorted by id
func newerThan(messages []RemoteMessage, after int64) []RemoteMessage {
	out := make([]RemoteMessage, 0, len(messages))
	seen := make(map[int64]bool, len(messages))
	for _, m := range messages {
		if m.ID > after && !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
