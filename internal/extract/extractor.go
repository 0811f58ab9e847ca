package extract

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPattern is returned when a rule pattern does not compile
	ErrInvalidPattern = errors.New("invalid extraction pattern")
	// ErrMissingGroup is returned when a price or phone pattern lacks its named group
	ErrMissingGroup = errors.New("extraction pattern is missing a required named group")
	// ErrEmptyRuleName is returned when a product rule has no canonical name
	ErrEmptyRuleName = errors.New("product rule name cannot be empty")
)

// Price is a detected price literal.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Facts holds everything detected in one message text.
type Facts struct {
	Products []string // Sorted, deduplicated canonical names
	Prices   []Price  // In order of appearance
	Phones   []string // Normalized, deduplicated, first-seen order
}

type productMatcher struct {
	name     string
	patterns []*regexp.Regexp
}

type priceMatcher struct {
	currency string
	re       *regexp.Regexp
	group    int
}

type phoneMatcher struct {
	re     *regexp.Regexp
	group  int
	prefix string
}

// Extractor applies a compiled rule set. It is immutable and safe for
// concurrent use.
type Extractor struct {
	products []productMatcher
	prices   []priceMatcher
	phones   []phoneMatcher
}

var validAmount = regexp.MustCompile(`^\d{1,3}(,\d{3})*(\.\d+)?$|^\d+(\.\d+)?$`)

// Compile validates rules and compiles them into an Extractor.
func Compile(rules Rules) (*Extractor, error) {
	e := &Extractor{}

	for _, rule := range rules.Products {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, ErrEmptyRuleName
		}
		patterns := rule.Patterns
		if len(patterns) == 0 {
			patterns = []string{regexp.QuoteMeta(name)}
		}
		m := productMatcher{name: name}
		for _, p := range patterns {
			re, err := compileFold(p)
			if err != nil {
				return nil, err
			}
			m.patterns = append(m.patterns, re)
		}
		e.products = append(e.products, m)
	}

	for _, rule := range rules.Prices {
		re, err := compileFold(rule.Pattern)
		if err != nil {
			return nil, err
		}
		idx := re.SubexpIndex("amount")
		if idx < 0 {
			return nil, fmt.Errorf("%w: price pattern %q needs (?P<amount>...)", ErrMissingGroup, rule.Pattern)
		}
		e.prices = append(e.prices, priceMatcher{currency: rule.Currency, re: re, group: idx})
	}

	for _, rule := range rules.Phones {
		re, err := compileFold(rule.Pattern)
		if err != nil {
			return nil, err
		}
		idx := re.SubexpIndex("number")
		if idx < 0 {
			return nil, fmt.Errorf("%w: phone pattern %q needs (?P<number>...)", ErrMissingGroup, rule.Pattern)
		}
		e.phones = append(e.phones, phoneMatcher{re: re, group: idx, prefix: rule.Prefix})
	}

	return e, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// the built-in defaults.
func MustCompile(rules Rules) *Extractor {
	e, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return e
}

func compileFold(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// Extract runs all detectors over text. It never fails; text without
// matches yields empty Facts.
func (e *Extractor) Extract(text string) Facts {
	var facts Facts
	if text == "" {
		return facts
	}
	facts.Products = e.detectProducts(text)
	facts.Prices = e.detectPrices(text)
	facts.Phones = e.detectPhones(text)
	return facts
}

func (e *Extractor) detectProducts(text string) []string {
	seen := make(map[string]struct{})
	for _, m := range e.products {
		for _, re := range m.patterns {
			if re.MatchString(text) {
				seen[m.name] = struct{}{}
				break
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type priceSpan struct {
	start, end int
	price      Price
}

func (e *Extractor) detectPrices(text string) []Price {
	var spans []priceSpan
	for _, m := range e.prices {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			gs, ge := loc[2*m.group], loc[2*m.group+1]
			if gs < 0 {
				continue
			}
			amount, ok := parseAmount(text[gs:ge])
			if !ok {
				continue
			}
			spans = append(spans, priceSpan{
				start: loc[0],
				end:   loc[1],
				price: Price{Amount: amount, Currency: m.currency},
			})
		}
	}
	if len(spans) == 0 {
		return nil
	}

	// Earliest start wins; on a tie the longer match wins.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	prices := make([]Price, 0, len(spans))
	lastEnd := -1
	for _, s := range spans {
		if s.start < lastEnd {
			continue
		}
		prices = append(prices, s.price)
		lastEnd = s.end
	}
	return prices
}

func parseAmount(literal string) (float64, bool) {
	if !validAmount.MatchString(literal) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(literal, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (e *Extractor) detectPhones(text string) []string {
	var phones []string
	seen := make(map[string]struct{})
	for _, m := range e.phones {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			gs, ge := loc[2*m.group], loc[2*m.group+1]
			if gs < 0 {
				continue
			}
			digits := digitsOnly(text[gs:ge])
			if digits == "" {
				continue
			}
			phone := m.prefix + digits
			if _, dup := seen[phone]; dup {
				continue
			}
			seen[phone] = struct{}{}
			phones = append(phones, phone)
		}
	}
	return phones
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
