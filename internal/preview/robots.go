package preview

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RobotsParser handles robots.txt parsing and rule checking
type RobotsParser struct {
	httpClient   *HTTPClient
	userAgent    string
	rules        map[string]*RobotRules
	mu           sync.RWMutex
	ignoreRobots bool
}

// RobotRules contains the parsed rules for a host
type RobotRules struct {
	Disallowed []string
	Allowed    []string
	CrawlDelay time.Duration
}

// NewRobotsParser creates a new robots.txt parser. Groups are matched
// against the product token of userAgent ("telecrawl" for "telecrawl/1.0").
func NewRobotsParser(httpClient *HTTPClient, userAgent string, ignoreRobots bool) *RobotsParser {
	token, _, _ := strings.Cut(strings.ToLower(userAgent), "/")
	return &RobotsParser{
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(token),
		rules:        make(map[string]*RobotRules),
		ignoreRobots: ignoreRobots,
	}
}

// IsAllowed checks if a URL is allowed by robots.txt
func (r *RobotsParser) IsAllowed(ctx context.Context, urlStr string) (bool, error) {
	if r.ignoreRobots {
		return true, nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	rules, err := r.getRules(ctx, parsedURL.Host, parsedURL.Scheme)
	if err != nil {
		// If we can't fetch robots.txt, assume allowed
		return true, nil
	}

	path := parsedURL.Path
	if path == "" {
		path = "/"
	}

	for _, pattern := range rules.Disallowed {
		if matchesPattern(path, pattern) {
			// A longer allow rule wins
			for _, allowPattern := range rules.Allowed {
				if matchesPattern(path, allowPattern) && len(allowPattern) > len(pattern) {
					return true, nil
				}
			}
			return false, nil
		}
	}

	return true, nil
}

// CrawlDelay returns the crawl delay for host, 0 when unknown
func (r *RobotsParser) CrawlDelay(host string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rules, ok := r.rules[host]; ok {
		return rules.CrawlDelay
	}
	return 0
}

func (r *RobotsParser) getRules(ctx context.Context, host, scheme string) (*RobotRules, error) {
	r.mu.RLock()
	rules, exists := r.rules[host]
	r.mu.RUnlock()

	if exists {
		return rules, nil
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	resp, err := r.httpClient.Get(ctx, robotsURL)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 404:
		// No robots.txt means everything is allowed
		rules = &RobotRules{}
	case 200:
		rules = r.parseRobotsTxt(string(resp.Body))
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	r.mu.Lock()
	r.rules[host] = rules
	r.mu.Unlock()

	return rules, nil
}

// parseRobotsTxt keeps the rules of the "*" group and of groups naming our
// user agent
func (r *RobotsParser) parseRobotsTxt(content string) *RobotRules {
	rules := &RobotRules{}

	scanner := bufio.NewScanner(strings.NewReader(content))
	inGroup := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive = strings.ToLower(strings.TrimSpace(directive))
		value = strings.TrimSpace(value)

		switch directive {
		case "user-agent":
			agent := strings.ToLower(value)
			inGroup = agent == "*" || (r.userAgent != "" && strings.Contains(agent, r.userAgent))
		case "disallow":
			if inGroup && value != "" {
				rules.Disallowed = append(rules.Disallowed, value)
			}
		case "allow":
			if inGroup && value != "" {
				rules.Allowed = append(rules.Allowed, value)
			}
		case "crawl-delay":
			if inGroup {
				if delay, err := time.ParseDuration(value + "s"); err == nil {
					rules.CrawlDelay = delay
				}
			}
		}
	}

	return rules
}

// matchesPattern checks if a path matches a robots.txt pattern
func matchesPattern(path, pattern string) bool {
	if strings.Contains(pattern, "*") {
		parts := strings.Split(pattern, "*")
		if !strings.HasPrefix(path, parts[0]) {
			return false
		}
		remaining := path[len(parts[0]):]
		for _, part := range parts[1:] {
			if part == "" {
				continue
			}
			idx := strings.Index(remaining, part)
			if idx == -1 {
				return false
			}
			remaining = remaining[idx+len(part):]
		}
		return true
	}

	// $ anchors the end of the path
	if strings.HasSuffix(pattern, "$") {
		return path == strings.TrimSuffix(pattern, "$")
	}

	return strings.HasPrefix(path, pattern)
}
