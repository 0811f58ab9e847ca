package preview

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/masahif/telecrawl/internal/crawler"
)

// PageResult is what a channel preview page contains
type PageResult struct {
	Title    string
	Username string
	Messages []crawler.RemoteMessage
}

var backgroundURL = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)

// ParsePage extracts the channel title and the messages of a preview page.
// Messages are returned oldest first.
func ParsePage(content []byte) (*PageResult, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &PageResult{}
	traverse(doc, result)

	sort.Slice(result.Messages, func(i, j int) bool {
		return result.Messages[i].ID < result.Messages[j].ID
	})
	return result, nil
}

func traverse(n *html.Node, result *PageResult) {
	if n.Type == html.ElementNode {
		switch {
		case hasClass(n, "tgme_channel_info_header_title") && result.Title == "":
			result.Title = extractText(n)
		case hasClass(n, "tgme_widget_message") && attr(n, "data-post") != "":
			if msg, username, ok := parseMessage(n); ok {
				result.Messages = append(result.Messages, msg)
				if result.Username == "" {
					result.Username = username
				}
			}
			// Messages do not nest
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		traverse(c, result)
	}
}

// parseMessage reads one div.tgme_widget_message[data-post="<channel>/<id>"]
func parseMessage(n *html.Node) (crawler.RemoteMessage, string, bool) {
	username, idStr, ok := strings.Cut(attr(n, "data-post"), "/")
	if !ok {
		return crawler.RemoteMessage{}, "", false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return crawler.RemoteMessage{}, "", false
	}

	msg := crawler.RemoteMessage{ID: id}
	walk(n, func(c *html.Node) {
		switch {
		case hasClass(c, "tgme_widget_message_text") && msg.Text == nil:
			text := messageText(c)
			msg.Text = &text
		case hasClass(c, "tgme_widget_message_views"):
			msg.Views = parseCount(extractText(c))
		case c.Data == "time" && msg.Date.IsZero():
			if t, err := time.Parse(time.RFC3339, attr(c, "datetime")); err == nil {
				msg.Date = t.UTC()
			}
		case hasClass(c, "tgme_widget_message_photo_wrap") && msg.Media == nil:
			if m := backgroundURL.FindStringSubmatch(attr(c, "style")); m != nil {
				msg.Media = &crawler.MediaRef{Type: crawler.MediaPhoto, URL: m[1], Ext: extFromURL(m[1], ".jpg")}
			}
		case c.Data == "video" && attr(c, "src") != "" && (msg.Media == nil || msg.Media.Type != crawler.MediaVideo):
			src := attr(c, "src")
			msg.Media = &crawler.MediaRef{Type: crawler.MediaVideo, URL: src, Ext: extFromURL(src, ".mp4")}
		case hasClass(c, "tgme_widget_message_document") && msg.Media == nil:
			msg.Media = &crawler.MediaRef{Type: crawler.MediaOther}
		}
	})

	return msg, username, true
}

// walk calls fn for every element below n
func walk(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			fn(c)
		}
		walk(c, fn)
	}
}

// messageText renders message text with <br> as newlines
func messageText(n *html.Node) string {
	var sb strings.Builder
	var render func(*html.Node)
	render = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
		case n.Type == html.ElementNode && n.Data == "br":
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			render(c)
		}
	}
	render(n)
	return strings.TrimSpace(sb.String())
}

// extractText recursively extracts text content from a node
func extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := extractText(c); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// parseCount reads view counters such as "987", "1.2K" or "3M"
func parseCount(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return int(v*mult + 0.5)
}

func extFromURL(u, fallback string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	if ext == "" || len(ext) > 5 {
		return fallback
	}
	return ext
}
