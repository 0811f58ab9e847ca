package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/masahif/telecrawl/internal/crawler"
)

// maxHistoryLimit is the largest page messages.getHistory returns
const maxHistoryLimit = 100

var (
	// ErrNotChannel is returned when a reference resolves to a user or group
	ErrNotChannel = errors.New("reference does not resolve to a channel")
	// ErrNotInDialogs is returned when a numeric id is not among the
	// account's dialogs, so no access hash is known for it
	ErrNotInDialogs = errors.New("channel id not found among the account's dialogs")
	// ErrUnresolved is returned when a ChannelInfo was not produced by Resolve
	ErrUnresolved = errors.New("channel has no MTProto peer")
)

// API is the part of the MTProto API the source uses. *tg.Client
// implements it.
type API interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Source implements crawler.Source over MTProto
type Source struct {
	api API
	log *slog.Logger
}

// NewSource creates a source on api
func NewSource(api API, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{api: api, log: logger.With("component", "telegram")}
}

// Resolve looks a channel up by username, or by id among the account's
// dialogs for numeric references
func (s *Source) Resolve(ctx context.Context, ref crawler.ChannelRef) (crawler.ChannelInfo, error) {
	if id, ok := ref.NumericID(); ok {
		return s.resolveID(ctx, id)
	}
	username := ref.Username()
	if username == "" {
		return crawler.ChannelInfo{}, crawler.NewConfiguration("telegram.resolve", errors.New("empty channel reference"))
	}

	res, err := s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return crawler.ChannelInfo{}, classify("telegram.resolve", err)
	}
	peer, ok := res.Peer.(*tg.PeerChannel)
	if !ok {
		return crawler.ChannelInfo{}, crawler.NewPermanent("telegram.resolve", fmt.Errorf("%s: %w", username, ErrNotChannel))
	}
	if ch := findChannel(res.Chats, peer.ChannelID); ch != nil {
		return channelInfo(ch), nil
	}
	return crawler.ChannelInfo{}, crawler.NewPermanent("telegram.resolve", fmt.Errorf("%s: %w", username, ErrNotChannel))
}

func (s *Source) resolveID(ctx context.Context, id int64) (crawler.ChannelInfo, error) {
	id = bareChannelID(id)
	res, err := s.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      maxHistoryLimit,
	})
	if err != nil {
		return crawler.ChannelInfo{}, classify("telegram.resolve", err)
	}

	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}
	if ch := findChannel(chats, id); ch != nil {
		return channelInfo(ch), nil
	}
	return crawler.ChannelInfo{}, crawler.NewPermanent("telegram.resolve", fmt.Errorf("%d: %w", id, ErrNotInDialogs))
}

// LatestMessageID returns the id of the newest message
func (s *Source) LatestMessageID(ctx context.Context, ch crawler.ChannelInfo) (int64, error) {
	peer, ok := ch.Peer.(tg.InputPeerClass)
	if !ok {
		return 0, crawler.NewConfiguration("telegram.latest", ErrUnresolved)
	}
	res, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: 1})
	if err != nil {
		return 0, classify("telegram.latest", err)
	}
	var latest int64
	for _, m := range messagesOf(res) {
		if id := int64(m.GetID()); id > latest {
			latest = id
		}
	}
	return latest, nil
}

// History returns up to limit messages newer than afterID, oldest first.
// The request walks forward from afterID: offset_id is the first wanted id
// and a negative add_offset of the page size turns the window around.
func (s *Source) History(ctx context.Context, ch crawler.ChannelInfo, afterID int64, limit int) (crawler.Page, error) {
	peer, ok := ch.Peer.(tg.InputPeerClass)
	if !ok {
		return crawler.Page{}, crawler.NewConfiguration("telegram.history", ErrUnresolved)
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if afterID < 0 {
		afterID = 0
	}

	res, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		OffsetID:  int(afterID) + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     int(afterID),
	})
	if err != nil {
		return crawler.Page{}, classify("telegram.history", err)
	}

	raw := messagesOf(res)
	page := crawler.Page{Messages: make([]crawler.RemoteMessage, 0, len(raw))}
	for _, m := range raw {
		id := int64(m.GetID())
		if id <= afterID {
			continue
		}
		if id > page.LastID {
			page.LastID = id
		}
		if msg, ok := m.(*tg.Message); ok {
			page.Messages = append(page.Messages, remoteMessage(msg))
		}
	}
	sort.Slice(page.Messages, func(i, j int) bool { return page.Messages[i].ID < page.Messages[j].ID })

	// Service messages occupy ids too, so a full page is judged on the raw count
	page.HasMore = len(raw) >= limit && page.LastID > afterID
	return page, nil
}

// MessageURL returns the public link of a message, or the member-only link
// for channels without a username
func (s *Source) MessageURL(ch crawler.ChannelInfo, messageID int64) string {
	id := strconv.FormatInt(messageID, 10)
	if ch.Username != "" {
		return "https://t.me/" + ch.Username + "/" + id
	}
	return "https://t.me/c/" + strconv.FormatInt(ch.ID, 10) + "/" + id
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages
	case *tg.MessagesMessagesSlice:
		return r.Messages
	case *tg.MessagesChannelMessages:
		return r.Messages
	}
	return nil
}

func findChannel(chats []tg.ChatClass, id int64) *tg.Channel {
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == id {
			return ch
		}
	}
	return nil
}

func channelInfo(ch *tg.Channel) crawler.ChannelInfo {
	return crawler.ChannelInfo{
		ID:       ch.ID,
		Username: ch.Username,
		Title:    ch.Title,
		Peer:     &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
	}
}

// bareChannelID strips the -100 prefix of Bot API style channel ids
func bareChannelID(id int64) int64 {
	if id >= 0 {
		return id
	}
	s := strconv.FormatInt(-id, 10)
	if strings.HasPrefix(s, "100") && len(s) > 3 {
		if bare, err := strconv.ParseInt(s[3:], 10, 64); err == nil {
			return bare
		}
	}
	return -id
}

func remoteMessage(m *tg.Message) crawler.RemoteMessage {
	r := crawler.RemoteMessage{
		ID:   int64(m.ID),
		Date: time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.Message != "" {
		text := m.Message
		r.Text = &text
	}
	if v, ok := m.GetViews(); ok {
		r.Views = v
	}
	if v, ok := m.GetForwards(); ok {
		r.Forwards = v
	}
	if replies, ok := m.GetReplies(); ok {
		r.Replies = replies.Replies
	}
	if edited, ok := m.GetEditDate(); ok && edited > 0 {
		t := time.Unix(int64(edited), 0).UTC()
		r.EditDate = &t
	}
	if media, ok := m.GetMedia(); ok {
		r.Media = mediaRef(media)
	}
	return r
}
