// Package pipeline runs one ingestion: every configured channel is crawled
// with bounded concurrency, then the run's dates are exported as combined
// CSV files, the published partitions are loaded into the raw store and a run
// summary is persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
	"github.com/masahif/telecrawl/internal/loader"
	"github.com/masahif/telecrawl/internal/metrics"
)

// Status is the overall outcome of a run
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
)

var (
	// ErrPartialFailure is returned when some channels failed or were cancelled
	ErrPartialFailure = errors.New("run finished with failed channels")
	// ErrRunFailed is returned when no channel succeeded or the load failed
	ErrRunFailed = errors.New("run failed")
)

var (
	runStatuses     = []string{string(StatusSuccess), string(StatusPartialFailure), string(StatusFailure)}
	channelStatuses = []string{string(crawler.StatusSucceeded), string(crawler.StatusFailed), string(crawler.StatusCancelled)}
)

// Loader loads published partitions into the raw store
type Loader interface {
	Load(ctx context.Context, since string) (loader.Result, error)
}

// Exporter writes the combined export of one partition date
type Exporter interface {
	ExportDate(ctx context.Context, date string) (string, int, error)
}

// SummaryWriter persists run summaries
type SummaryWriter interface {
	WriteRunSummary(date, runID string, summary any) (string, error)
}

// Summary is the persisted record of a run
type Summary struct {
	RunID      string                  `json:"run_id"`
	Source     string                  `json:"source"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Status     Status                  `json:"status"`
	Succeeded  int                     `json:"channels_succeeded"`
	Failed     int                     `json:"channels_failed"`
	Cancelled  int                     `json:"channels_cancelled"`
	Channels   []crawler.ChannelResult `json:"channels"`
	Exports    []string                `json:"exports,omitempty"`
	Load       *loader.Result          `json:"load,omitempty"`
	LoadError  string                  `json:"load_error,omitempty"`
	Path       string                  `json:"-"`
}

// Components are the collaborators of a run. Exports, Loader, Summaries
// and Metrics are optional; a nil Loader skips the load step.
type Components struct {
	Crawl     crawler.Dependencies
	Exports   Exporter
	Loader    Loader
	Summaries SummaryWriter
	Metrics   *metrics.Metrics
}

// Driver runs the crawl and load steps of one ingestion
type Driver struct {
	cfg   *config.Config
	comps Components
	opts  crawler.Options
	log   *slog.Logger
}

// New creates a driver for cfg
func New(cfg *config.Config, comps Components, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:   cfg,
		comps: comps,
		opts:  crawler.OptionsFromConfig(cfg),
		log:   logger,
	}
}

// Run crawls every channel, exports and loads unless the run was cancelled, and writes
// the summary. The error is nil, ErrPartialFailure or ErrRunFailed (wrapped
// with the reason); the summary is returned in every case.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	channels := d.cfg.NormalizedChannels()
	sum := &Summary{
		RunID:     uuid.NewString(),
		Source:    d.cfg.Source,
		StartedAt: time.Now().UTC(),
		Channels:  make([]crawler.ChannelResult, len(channels)),
	}
	log := d.log.With("run_id", sum.RunID)
	log.Info("Run started", "source", sum.Source, "channels", len(channels), "concurrency", d.cfg.Concurrency)

	d.crawl(ctx, channels, sum.Channels, log)

	if ctx.Err() != nil {
		log.Warn("Run cancelled, skipping export and load")
	} else {
		sum.Exports = d.export(ctx, sum.StartedAt, time.Now().UTC(), log)
		d.load(ctx, sum, log)
	}

	sum.FinishedAt = time.Now().UTC()
	err := sum.settle()
	d.finish(sum, log)
	return sum, err
}

// crawl runs one crawler per channel, at most Concurrency at once, starting
// each further channel ChannelDelay after the previous one
func (d *Driver) crawl(ctx context.Context, channels []string, results []crawler.ChannelResult, log *slog.Logger) {
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for i, ch := range channels {
		ref := crawler.ChannelRef(ch)
		if i > 0 && !sleepCtx(ctx, d.cfg.ChannelDelay) {
			results[i] = crawler.ChannelResult{Channel: ref.Key(), Status: crawler.StatusCancelled, Reason: "stop requested"}
			continue
		}
		if ctx.Err() != nil {
			results[i] = crawler.ChannelResult{Channel: ref.Key(), Status: crawler.StatusCancelled, Reason: "stop requested"}
			continue
		}

		deps := d.comps.Crawl
		deps.Logger = log
		if d.comps.Metrics != nil {
			deps.Recorder = d.comps.Metrics
		}
		c := crawler.NewChannelCrawler(ref, deps, d.opts)

		g.Go(func() error {
			res := c.Run(ctx)
			results[i] = res
			if d.comps.Metrics != nil {
				d.comps.Metrics.ChannelFinished(res.Channel, string(res.Status), channelStatuses)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) load(ctx context.Context, sum *Summary, log *slog.Logger) {
	if d.comps.Loader == nil {
		return
	}
	res, err := d.comps.Loader.Load(ctx, "")
	sum.Load = &res
	if err != nil {
		sum.LoadError = err.Error()
		log.Error("Load failed", "error", err)
	}
	if d.comps.Metrics != nil {
		d.comps.Metrics.LoadFinished(res.Batches, res.Inserted, res.Updated, res.Skipped)
	}
}

// export regenerates the combined file of every date the run could have
// written partitions for. Export failures are logged and do not fail the run.
func (d *Driver) export(ctx context.Context, from, to time.Time, log *slog.Logger) []string {
	if d.comps.Exports == nil {
		return nil
	}
	var paths []string
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for ; !day.After(to); day = day.AddDate(0, 0, 1) {
		date := day.Format(crawler.PartitionDateLayout)
		path, rows, err := d.comps.Exports.ExportDate(ctx, date)
		if err != nil {
			log.Error("Combined export failed", "date", date, "error", err)
			continue
		}
		if path != "" {
			log.Info("Combined export written", "date", date, "rows", rows, "path", path)
			paths = append(paths, path)
		}
	}
	return paths
}

// settle counts channel outcomes and derives the run status
func (s *Summary) settle() error {
	for _, r := range s.Channels {
		switch r.Status {
		case crawler.StatusSucceeded:
			s.Succeeded++
		case crawler.StatusFailed:
			s.Failed++
		default:
			s.Cancelled++
		}
	}

	switch {
	case s.LoadError != "":
		s.Status = StatusFailure
		return fmt.Errorf("%w: load: %s", ErrRunFailed, s.LoadError)
	case s.Succeeded == 0 && s.Failed > 0:
		s.Status = StatusFailure
		return fmt.Errorf("%w: all %d channels failed", ErrRunFailed, s.Failed)
	case s.Failed > 0 || s.Cancelled > 0:
		s.Status = StatusPartialFailure
		return fmt.Errorf("%w: %d failed, %d cancelled of %d", ErrPartialFailure, s.Failed, s.Cancelled, len(s.Channels))
	}
	s.Status = StatusSuccess
	return nil
}

// finish persists the summary and the metrics textfile. Failures here are
// logged; they do not change the run status.
func (d *Driver) finish(sum *Summary, log *slog.Logger) {
	if d.comps.Summaries != nil {
		path, err := d.comps.Summaries.WriteRunSummary(sum.StartedAt.Format(crawler.PartitionDateLayout), sum.RunID, sum)
		if err != nil {
			log.Error("Failed to write run summary", "error", err)
		} else {
			sum.Path = path
		}
	}

	if m := d.comps.Metrics; m != nil {
		m.RunFinished(string(sum.Status), runStatuses, sum.FinishedAt.Sub(sum.StartedAt), sum.FinishedAt)
		if path := d.cfg.Metrics.Textfile; path != "" {
			if err := m.WriteTextfile(path); err != nil {
				log.Error("Failed to write metrics", "error", err)
			}
		}
	}

	for _, r := range sum.Channels {
		log.Info("Channel result", "channel", r.Channel, "status", r.Status, "reason", r.Reason,
			"messages", r.Messages, "written", r.Written, "duplicates", r.Duplicates,
			"media_fetched", r.MediaFetched, "media_failed", r.MediaFailed, "cursor", r.Cursor)
	}
	log.Info("Run finished", "status", sum.Status, "succeeded", sum.Succeeded, "failed", sum.Failed,
		"cancelled", sum.Cancelled, "duration", sum.FinishedAt.Sub(sum.StartedAt), "summary", sum.Path)
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
