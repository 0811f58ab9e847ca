// Package preview reads public channels through the Telegram web preview
// (https://t.me/s/<channel>). It needs no credentials but only sees what the
// preview page shows: no forwards, replies or edit dates.
package preview

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
)

var (
	// ErrNumericChannel is returned for numeric references, which the
	// preview cannot address
	ErrNumericChannel = errors.New("numeric channel references need the mtproto source")
	// ErrNoPreview is returned when a channel has no public preview
	ErrNoPreview = errors.New("channel has no public preview")
	// ErrDisallowed is returned when robots.txt forbids the page
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrNoMediaURL is returned for media the preview does not link to
	ErrNoMediaURL = errors.New("media has no downloadable URL")
)

// Source implements crawler.Source on the web preview
type Source struct {
	client  *HTTPClient
	robots  *RobotsParser
	baseURL *url.URL
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewSource creates a preview source
func NewSource(cfg config.PreviewConfig, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, crawler.NewConfiguration("preview", fmt.Errorf("invalid base URL %q", cfg.BaseURL))
	}

	client := NewHTTPClient(cfg.UserAgent, cfg.Timeout)
	return &Source{
		client:  client,
		robots:  NewRobotsParser(client, cfg.UserAgent, !cfg.RespectRobots),
		baseURL: base,
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     logger.With("component", "preview"),
	}, nil
}

// Close releases idle connections
func (s *Source) Close() {
	s.client.Close()
}

// Downloader returns a media downloader sharing the source's HTTP client
func (s *Source) Downloader() *MediaDownloader {
	return &MediaDownloader{client: s.client}
}

// ChannelID derives a stable id from a username; the preview does not expose
// the real channel id
func ChannelID(username string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(username)))
	return int64(h.Sum64() & math.MaxInt64)
}

// Resolve loads the channel page and reads its title
func (s *Source) Resolve(ctx context.Context, ref crawler.ChannelRef) (crawler.ChannelInfo, error) {
	if _, numeric := ref.NumericID(); numeric {
		return crawler.ChannelInfo{}, crawler.NewPermanent("preview.resolve", ErrNumericChannel)
	}
	username := ref.Username()
	if username == "" {
		return crawler.ChannelInfo{}, crawler.NewConfiguration("preview.resolve", errors.New("empty channel reference"))
	}

	page, err := s.fetch(ctx, "preview.resolve", username, -1)
	if err != nil {
		return crawler.ChannelInfo{}, err
	}
	if page.Title == "" && len(page.Messages) == 0 {
		return crawler.ChannelInfo{}, crawler.NewPermanent("preview.resolve", fmt.Errorf("%s: %w", username, ErrNoPreview))
	}
	if page.Username != "" {
		username = page.Username
	}

	return crawler.ChannelInfo{
		ID:       ChannelID(username),
		Username: username,
		Title:    page.Title,
	}, nil
}

// LatestMessageID returns the newest message id shown on the channel page
func (s *Source) LatestMessageID(ctx context.Context, ch crawler.ChannelInfo) (int64, error) {
	page, err := s.fetch(ctx, "preview.latest", ch.Username, -1)
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, m := range page.Messages {
		if m.ID > latest {
			latest = m.ID
		}
	}
	return latest, nil
}

// History returns up to limit messages newer than afterID, oldest first
func (s *Source) History(ctx context.Context, ch crawler.ChannelInfo, afterID int64, limit int) (crawler.Page, error) {
	if afterID < 0 {
		afterID = 0
	}
	page, err := s.fetch(ctx, "preview.history", ch.Username, afterID)
	if err != nil {
		return crawler.Page{}, err
	}

	msgs := make([]crawler.RemoteMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ID > afterID {
			msgs = append(msgs, m)
		}
	}
	hasMore := len(msgs) > 0
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return crawler.Page{Messages: msgs, HasMore: hasMore}, nil
}

// MessageURL returns the public link of a message
func (s *Source) MessageURL(ch crawler.ChannelInfo, messageID int64) string {
	return s.baseURL.String() + "/" + ch.Username + "/" + strconv.FormatInt(messageID, 10)
}

// fetch loads one preview page; after < 0 requests the newest messages
func (s *Source) fetch(ctx context.Context, op, username string, after int64) (*PageResult, error) {
	u := s.baseURL.String() + "/s/" + url.PathEscape(username)
	if after >= 0 {
		u += "?after=" + strconv.FormatInt(after, 10)
	}

	allowed, err := s.robots.IsAllowed(ctx, u)
	if err != nil {
		return nil, crawler.NewConfiguration(op, err)
	}
	if !allowed {
		return nil, crawler.NewPermanent(op, fmt.Errorf("%s: %w", u, ErrDisallowed))
	}
	if delay := s.robots.CrawlDelay(s.baseURL.Host); delay > 0 {
		if l := rate.Every(delay); s.limiter.Limit() != l {
			s.limiter.SetLimit(l)
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.Get(ctx, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crawler.NewTransient(op, err)
	}
	if err := classifyStatus(op, resp.StatusCode, resp.Headers); err != nil {
		return nil, err
	}
	s.log.Debug("Preview page fetched", "url", u, "ttfb", resp.Metrics.TTFB, "duration", resp.Metrics.DownloadTime)

	page, err := ParsePage(resp.Body)
	if err != nil {
		return nil, crawler.NewTransient(op, err)
	}
	return page, nil
}

// MediaDownloader streams preview media over HTTP
type MediaDownloader struct {
	client *HTTPClient
}

// Download writes the media at ref.URL to w
func (d *MediaDownloader) Download(ctx context.Context, ref crawler.MediaRef, w io.Writer) error {
	if ref.URL == "" {
		return crawler.NewPermanent("media.download", ErrNoMediaURL)
	}
	resp, err := d.client.Open(ctx, ref.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return crawler.NewTransient("media.download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus("media.download", resp.StatusCode, resp.Header); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return crawler.NewTransient("media.download", err)
	}
	return nil
}
