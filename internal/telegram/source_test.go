package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/masahif/telecrawl/internal/crawler"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI serves one channel whose messages have ids 1..n
type fakeAPI struct {
	channel     *tg.Channel
	n           int
	historyErr  error
	requests    []*tg.MessagesGetHistoryRequest
	dialogsSeen bool
}

func newFakeAPI(n int) *fakeAPI {
	return &fakeAPI{
		channel: &tg.Channel{ID: 1234567890, AccessHash: 42, Title: "Lobelia Cosmetics", Username: "lobelia4cosmetics"},
		n:       n,
	}
}

func (f *fakeAPI) ContactsResolveUsername(ctx context.Context, req *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error) {
	switch req.Username {
	case "lobelia4cosmetics":
		return &tg.ContactsResolvedPeer{
			Peer:  &tg.PeerChannel{ChannelID: f.channel.ID},
			Chats: []tg.ChatClass{&tg.Chat{ID: 1}, f.channel},
		}, nil
	case "someone":
		return &tg.ContactsResolvedPeer{Peer: &tg.PeerUser{UserID: 5}}, nil
	}
	return nil, tgerr.New(400, "USERNAME_NOT_OCCUPIED")
}

func (f *fakeAPI) MessagesGetDialogs(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	f.dialogsSeen = true
	return &tg.MessagesDialogsSlice{Chats: []tg.ChatClass{f.channel}}, nil
}

func (f *fakeAPI) MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	f.requests = append(f.requests, req)
	if f.historyErr != nil {
		return nil, f.historyErr
	}

	// Newest first, like the server
	var msgs []tg.MessageClass
	if req.OffsetID == 0 {
		for id := f.n; id > f.n-req.Limit && id > 0; id-- {
			msgs = append(msgs, f.message(id))
		}
	} else {
		first := req.OffsetID
		last := first - req.AddOffset - 1
		for id := last; id >= first; id-- {
			if id <= f.n && id > req.MinID {
				msgs = append(msgs, f.message(id))
			}
		}
	}
	return &tg.MessagesChannelMessages{Messages: msgs, Count: f.n}, nil
}

func (f *fakeAPI) message(id int) tg.MessageClass {
	if id%5 == 0 {
		return &tg.MessageService{ID: id, Date: 1714550400 + id}
	}
	msg := &tg.Message{ID: id, Date: 1714550400 + id, Message: fmt.Sprintf("Vitamin C %d ETB", id*10)}
	msg.SetViews(id * 3)
	return msg
}

func TestSourceResolve(t *testing.T) {
	api := newFakeAPI(3)
	src := NewSource(api, quietLogger())
	ctx := context.Background()

	info, err := src.Resolve(ctx, "@lobelia4cosmetics")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if info.ID != 1234567890 || info.Username != "lobelia4cosmetics" || info.Title != "Lobelia Cosmetics" {
		t.Errorf("Unexpected channel info %+v", info)
	}
	peer, ok := info.Peer.(*tg.InputPeerChannel)
	if !ok || peer.ChannelID != 1234567890 || peer.AccessHash != 42 {
		t.Errorf("Unexpected peer %#v", info.Peer)
	}

	_, err = src.Resolve(ctx, "someone")
	if !errors.Is(err, ErrNotChannel) || crawler.KindOf(err) != crawler.Permanent {
		t.Errorf("Expected permanent ErrNotChannel, got %v", err)
	}

	_, err = src.Resolve(ctx, "nosuchchannel")
	if crawler.KindOf(err) != crawler.Permanent {
		t.Errorf("Expected permanent error for unknown username, got %v", err)
	}
}

func TestSourceResolveNumeric(t *testing.T) {
	api := newFakeAPI(3)
	src := NewSource(api, quietLogger())

	info, err := src.Resolve(context.Background(), "-1001234567890")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !api.dialogsSeen || info.ID != 1234567890 {
		t.Errorf("Expected lookup among dialogs, got %+v", info)
	}

	_, err = src.Resolve(context.Background(), "777")
	if !errors.Is(err, ErrNotInDialogs) {
		t.Errorf("Expected ErrNotInDialogs, got %v", err)
	}
}

func TestSourcePagesOldestFirst(t *testing.T) {
	api := newFakeAPI(12)
	src := NewSource(api, quietLogger())
	ctx := context.Background()

	info, err := src.Resolve(ctx, "lobelia4cosmetics")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	latest, err := src.LatestMessageID(ctx, info)
	if err != nil || latest != 12 {
		t.Errorf("LatestMessageID() = %d, %v; want 12", latest, err)
	}

	var ids []int64
	after := int64(0)
	for i := 0; i < 10; i++ {
		page, err := src.History(ctx, info, after, 4)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		for _, m := range page.Messages {
			if m.ID <= after {
				t.Fatalf("Page not ascending: %d after %d", m.ID, after)
			}
			ids = append(ids, m.ID)
		}
		after = page.LastID
		if !page.HasMore {
			break
		}
	}
	if got := fmt.Sprint(ids); got != "[1 2 3 4 6 7 8 9 11 12]" {
		t.Errorf("Unexpected ids %s", got)
	}

	req := api.requests[1]
	if req.OffsetID != 1 || req.AddOffset != -4 || req.Limit != 4 || req.MinID != 0 {
		t.Errorf("Unexpected first history request %+v", req)
	}
}

func TestSourceHistoryServiceOnlyPages(t *testing.T) {
	api := newFakeAPI(10)
	src := NewSource(api, quietLogger())
	ctx := context.Background()

	info, err := src.Resolve(ctx, "lobelia4cosmetics")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Id 5 is a service message: the page is empty but still covers it
	page, err := src.History(ctx, info, 4, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page.Messages) != 0 || page.LastID != 5 || !page.HasMore {
		t.Errorf("Expected empty page covering id 5 with more to come, got %+v", page)
	}

	var ids []int64
	var lastIDs []int64
	after := int64(4)
	for i := 0; i < 20; i++ {
		page, err := src.History(ctx, info, after, 1)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.LastID <= after {
			break
		}
		lastIDs = append(lastIDs, page.LastID)
		after = page.LastID
		if !page.HasMore {
			break
		}
	}
	if got := fmt.Sprint(ids); got != "[6 7 8 9]" {
		t.Errorf("Unexpected ids %s", got)
	}
	if got := fmt.Sprint(lastIDs); got != "[5 6 7 8 9 10]" {
		t.Errorf("Expected every id through 10 covered, got %s", got)
	}
}

func TestSourceHistoryErrors(t *testing.T) {
	api := newFakeAPI(3)
	src := NewSource(api, quietLogger())
	info, _ := src.Resolve(context.Background(), "lobelia4cosmetics")

	api.historyErr = tgerr.New(420, "FLOOD_WAIT_30")
	_, err := src.History(context.Background(), info, 0, 10)
	if crawler.KindOf(err) != crawler.Throttled || crawler.RetryAfterOf(err) != 30*time.Second {
		t.Errorf("Expected throttled 30s, got %v", err)
	}

	_, err = src.History(context.Background(), crawler.ChannelInfo{Username: "x"}, 0, 10)
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("Expected ErrUnresolved, got %v", err)
	}
}

func TestRemoteMessage(t *testing.T) {
	msg := &tg.Message{ID: 101, Date: 1714550400, Message: "Paracetamol 500mg 150 ETB"}
	msg.SetViews(1200)
	msg.SetForwards(4)
	msg.SetReplies(tg.MessageReplies{Replies: 2})
	msg.SetEditDate(1714554000)

	r := remoteMessage(msg)
	if r.ID != 101 || r.Views != 1200 || r.Forwards != 4 || r.Replies != 2 {
		t.Errorf("Unexpected counters %+v", r)
	}
	if !r.Date.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected date %v", r.Date)
	}
	if r.EditDate == nil || !r.EditDate.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected edit date %v", r.EditDate)
	}
	if r.Text == nil || *r.Text != "Paracetamol 500mg 150 ETB" {
		t.Errorf("Unexpected text %v", r.Text)
	}
	if r.Media != nil {
		t.Errorf("Expected no media, got %+v", r.Media)
	}

	empty := remoteMessage(&tg.Message{ID: 102, Date: 1714550400})
	if empty.Text != nil || empty.EditDate != nil {
		t.Errorf("Expected nil text and edit date, got %+v", empty)
	}
}

func TestMessageURL(t *testing.T) {
	src := NewSource(newFakeAPI(0), quietLogger())
	if got := src.MessageURL(crawler.ChannelInfo{Username: "tikvahpharma"}, 7); got != "https://t.me/tikvahpharma/7" {
		t.Errorf("MessageURL() = %s", got)
	}
	if got := src.MessageURL(crawler.ChannelInfo{ID: 99}, 7); got != "https://t.me/c/99/7" {
		t.Errorf("MessageURL() = %s", got)
	}
}

func TestBareChannelID(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{1234, 1234},
		{-1001234, 1234},
		{-4321, 4321},
	}
	for _, tt := range tests {
		if got := bareChannelID(tt.in); got != tt.want {
			t.Errorf("bareChannelID(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
