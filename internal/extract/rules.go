// Package extract turns free-form message text into typed facts:
// product mentions, price amounts and phone numbers.
//
// Rules are declared as data (usually in the config file), compiled once at
// startup and then shared read-only by every crawler.
package extract

// ProductRule maps one canonical product name to the patterns that detect it.
type ProductRule struct {
	Name     string   `mapstructure:"name" yaml:"name"`         // Canonical name reported in results
	Patterns []string `mapstructure:"patterns" yaml:"patterns"` // Case-insensitive regexps; empty means the name itself
}

// PriceRule describes one price grammar for a currency.
type PriceRule struct {
	Currency string `mapstructure:"currency" yaml:"currency"` // Currency tag, e.g. ETB
	Pattern  string `mapstructure:"pattern" yaml:"pattern"`   // Regexp with a named group "amount"
}

// PhoneRule describes one phone number grammar.
type PhoneRule struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern"` // Regexp with a named group "number"
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`   // Prepended to the digits of "number"
}

// Rules is the declarative rule set for the extractor.
type Rules struct {
	Products []ProductRule `mapstructure:"products" yaml:"products"`
	Prices   []PriceRule   `mapstructure:"prices" yaml:"prices"`
	Phones   []PhoneRule   `mapstructure:"phones" yaml:"phones"`
}

const amountLiteral = `\d[\d,]*(?:\.\d+)?`

// DefaultRules returns rules tuned for Ethiopian pharmacy and cosmetics
// channels: common medicine and cosmetics names, Birr prices and local
// mobile numbers.
func DefaultRules() Rules {
	return Rules{
		Products: []ProductRule{
			{Name: "paracetamol", Patterns: []string{`paracetamol`, `acetaminophen`, `panadol`}},
			{Name: "amoxicillin", Patterns: []string{`amoxicillin`, `amoxil`}},
			{Name: "ibuprofen", Patterns: []string{`ibuprofen`, `brufen`}},
			{Name: "omeprazole", Patterns: []string{`omeprazole`}},
			{Name: "metformin", Patterns: []string{`metformin`}},
			{Name: "azithromycin", Patterns: []string{`azithromycin`}},
			{Name: "ciprofloxacin", Patterns: []string{`ciprofloxacin`, `\bcipro\b`}},
			{Name: "vitamin c", Patterns: []string{`vitamin[\s-]?c\b`}},
			{Name: "multivitamin", Patterns: []string{`multi[\s-]?vitamins?`}},
			{Name: "insulin", Patterns: []string{`insulin`}},
			{Name: "sunscreen", Patterns: []string{`sunscreen`, `sun\s?block`, `\bspf\s?\d+`}},
			{Name: "moisturizer", Patterns: []string{`moisturi[sz]er`, `moisturi[sz]ing cream`}},
			{Name: "serum", Patterns: []string{`\bserum\b`}},
			{Name: "lotion", Patterns: []string{`\blotion\b`}},
			{Name: "cream", Patterns: []string{`\bcream\b`}},
			{Name: "shampoo", Patterns: []string{`shampoo`}},
			{Name: "soap", Patterns: []string{`\bsoap\b`}},
			{Name: "mask", Patterns: []string{`\b(face\s)?masks?\b`}},
			{Name: "sanitizer", Patterns: []string{`saniti[sz]er`}},
			{Name: "syrup", Patterns: []string{`\bsyrup\b`}},
		},
		Prices: []PriceRule{
			{Currency: "ETB", Pattern: `(?P<amount>` + amountLiteral + `)\s*(?:etb|birr|br)\b`},
			{Currency: "ETB", Pattern: `\b(?:etb|birr)\s*(?P<amount>` + amountLiteral + `)`},
		},
		Phones: []PhoneRule{
			{Pattern: `(?:\+?251[\s-]?|\b0)(?P<number>9(?:[\s-]?\d){8})\b`, Prefix: "0"},
		},
	}
}
