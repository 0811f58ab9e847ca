// Package telegram reads channels over MTProto as a user account. The
// session is persisted in a file so the interactive login is needed once.
package telegram

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
)

// Client owns the MTProto connection
type Client struct {
	client *telegram.Client
	auth   auth.UserAuthenticator
	log    *slog.Logger
}

// NewClient creates a client whose session lives at cfg.SessionPath. The
// connection is opened by Run.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, crawler.NewConfiguration("telegram", config.ErrMissingCredentials)
	}
	if cfg.SessionPath == "" {
		return nil, crawler.NewConfiguration("telegram", config.ErrEmptySessionPath)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
	})

	return &Client{
		client: client,
		auth: &terminalAuth{
			phone:    cfg.Phone,
			password: cfg.Password,
			in:       bufio.NewReader(os.Stdin),
			out:      os.Stderr,
		},
		log: logger.With("component", "telegram"),
	}, nil
}

// Run connects, logs in if the session is not authorized yet and calls f
// with the raw API. The connection is closed when f returns.
func (c *Client) Run(ctx context.Context, f func(ctx context.Context, api *tg.Client) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		return f(ctx, c.client.API())
	})
}

func (c *Client) authenticate(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return classify("telegram.auth", err)
	}
	if status.Authorized {
		c.log.Debug("Session restored")
		return nil
	}

	c.log.Info("Session not authorized, starting login")
	flow := auth.NewFlow(c.auth, auth.SendCodeOptions{})
	if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return crawler.NewConfiguration("telegram.auth", err)
	}
	c.log.Info("Login successful")
	return nil
}
