package telegram

import (
	"context"
	"errors"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/masahif/telecrawl/internal/crawler"
)

// RPC errors that will not go away by retrying within a run
var permanentErrors = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"CHAT_ADMIN_REQUIRED",
	"PEER_ID_INVALID",
	"MSG_ID_INVALID",
	"FILE_REFERENCE_EXPIRED",
	"LOCATION_INVALID",
}

// RPC errors that mean the account or session is unusable
var configurationErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"API_ID_INVALID",
	"API_ID_PUBLISHED_FLOOD",
}

// classify maps an RPC error onto the crawl error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if wait, ok := floodWait(err); ok {
		return crawler.NewThrottled(op, wait, err)
	}
	if tgerr.Is(err, configurationErrors...) {
		return crawler.NewConfiguration(op, err)
	}
	if tgerr.Is(err, permanentErrors...) {
		return crawler.NewPermanent(op, err)
	}

	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case 400, 403, 406:
			return crawler.NewPermanent(op, err)
		case 401:
			return crawler.NewConfiguration(op, err)
		}
	}
	return crawler.NewTransient(op, err)
}

// floodWait extracts the wait of a FLOOD_WAIT_X or SLOWMODE_WAIT_X error
func floodWait(err error) (time.Duration, bool) {
	var rpcErr *tgerr.Error
	if !errors.As(err, &rpcErr) {
		return 0, false
	}
	if rpcErr.Code != 420 && rpcErr.Type != "FLOOD_WAIT" && rpcErr.Type != "SLOWMODE_WAIT" {
		return 0, false
	}
	wait := time.Duration(rpcErr.Argument) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	return wait, true
}
