// Package media downloads message attachments into the local media tree.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
)

// ErrEmptyMedia is returned when a download produced no bytes
var ErrEmptyMedia = errors.New("downloaded media is empty")

// Downloader streams the bytes of a media reference to w. It is the
// source-specific transport behind a Fetcher.
type Downloader interface {
	Download(ctx context.Context, ref crawler.MediaRef, w io.Writer) error
}

// Mirror receives a copy of every published file
type Mirror interface {
	Upload(ctx context.Context, localPath, objectKey string) error
}

// Fetcher implements crawler.MediaFetcher with atomic writes and bounded
// retries
type Fetcher struct {
	downloader Downloader
	mirror     Mirror
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewFetcher creates a fetcher over downloader using the retry settings of cfg
func NewFetcher(downloader Downloader, cfg config.MediaConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		downloader: downloader,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        logger.With("component", "media"),
	}
}

// WithMirror enables mirroring of fetched files
func (f *Fetcher) WithMirror(m Mirror) *Fetcher {
	f.mirror = m
	return f
}

// Fetch downloads ref to dest and returns dest. A non-empty file already at
// dest is reused. Transient failures are retried with exponential backoff;
// permanent ones return at once. Nothing is left at dest on failure.
// With a pacer every attempt waits for it and reports its outcome, and the
// wait a throttled response asks for is left to the pacer.
func (f *Fetcher) Fetch(ctx context.Context, ref crawler.MediaRef, dest string, pacer crawler.Pacer) (string, error) {
	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return "", crawler.NewTransient("media.mkdir", err)
	}

	delay := f.retryDelay
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if ra := crawler.RetryAfterOf(lastErr); pacer == nil && ra > wait {
				wait = ra
			}
			if !sleep(ctx, wait) {
				return "", ctx.Err()
			}
			delay *= 2
		}
		if pacer != nil {
			if err := pacer.Acquire(ctx); err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", err
			}
		}

		err := f.fetchOnce(ctx, ref, dest)
		if err == nil {
			if pacer != nil {
				pacer.Report(crawler.Success, 0)
			}
			f.mirrorFile(ctx, dest)
			return dest, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		switch crawler.KindOf(err) {
		case crawler.Permanent, crawler.Configuration:
			return "", err
		}
		if pacer != nil {
			pacer.Report(crawler.OutcomeOf(err), crawler.RetryAfterOf(err))
		}
		lastErr = err
		f.log.Debug("Media download attempt failed", "dest", dest, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("media download failed after %d attempts: %w", f.maxRetries+1, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, ref crawler.MediaRef, dest string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return crawler.NewTransient("media.create", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = f.downloader.Download(ctx, ref, bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return crawler.NewTransient("media.write", err)
	}
	if err = tmp.Sync(); err != nil {
		return crawler.NewTransient("media.sync", err)
	}

	fi, err := tmp.Stat()
	if err != nil {
		return crawler.NewTransient("media.stat", err)
	}
	switch {
	case fi.Size() == 0:
		err = crawler.NewPermanent("media.download", ErrEmptyMedia)
		return err
	case ref.Size > 0 && fi.Size() != ref.Size:
		err = crawler.NewTransient("media.download", fmt.Errorf("short download: got %d of %d bytes", fi.Size(), ref.Size))
		return err
	}

	if err = tmp.Close(); err != nil {
		return crawler.NewTransient("media.close", err)
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return crawler.NewTransient("media.rename", err)
	}
	return nil
}

func (f *Fetcher) mirrorFile(ctx context.Context, path string) {
	if f.mirror == nil {
		return
	}
	key := ObjectKey(path)
	if err := f.mirror.Upload(ctx, path, key); err != nil {
		f.log.Warn("Media mirror upload failed", "file", path, "object", key, "error", err)
	}
}

// ObjectKey maps <media dir>/<channel>/<file> to channels/<channel>/<file>
func ObjectKey(path string) string {
	return "channels/" + filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
