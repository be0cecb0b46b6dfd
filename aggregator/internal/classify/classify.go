// Package classify assigns a category and a language to an article.
//
// Classification is pure: the same input and rules always give the same
// tags. Categories come from keyword rules scored on word tokens (title
// hits weigh 2, body hits 1, highest score wins, ties go to the earlier
// rule). Language comes from script detection then stop-word counts.
package classify

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Uncategorized is assigned when no rule matches and no hint is given.
const Uncategorized = "uncategorized"

// Language tags.
const (
	LangNorwegian = "no"
	LangEnglish   = "en"
	LangChinese   = "zh"
	LangUnknown   = "unknown"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule maps keywords to a category.
type Rule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Rules is the full rule set.
type Rules struct {
	Categories []Rule `yaml:"categories"`
	// Languages maps "no" and "en" to their stop-word lists.
	Languages map[string][]string `yaml:"languages"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic("classify: embedded rules: " + err.Error())
	}
	return r
}

// ParseRules decodes a YAML rule set.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("classify: parse rules: %w", err)
	}
	for i, rule := range r.Categories {
		if strings.TrimSpace(rule.Category) == "" {
			return Rules{}, fmt.Errorf("classify: rule %d has no category", i)
		}
	}
	return r, nil
}

// LoadRules reads a YAML rule set from r.
func LoadRules(r io.Reader) (Rules, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Rules{}, fmt.Errorf("classify: read rules: %w", err)
	}
	return ParseRules(data)
}

// Input is what the classifier looks at.
type Input struct {
	Title        string
	Body         string
	Source       string
	CategoryHint string
	LanguageHint string
}

// Tags is the classification result.
type Tags struct {
	Category string
	Language string
}

type compiledRule struct {
	category string
	keywords [][]string
}

// Classifier applies a compiled rule set. It is safe for concurrent use.
type Classifier struct {
	rules []compiledRule
	no    map[string]bool
	en    map[string]bool
}

// New compiles rules. Language lists missing from rules fall back to the
// defaults.
func New(rules Rules) *Classifier {
	c := &Classifier{}
	for _, r := range rules.Categories {
		cr := compiledRule{category: r.Category}
		for _, kw := range r.Keywords {
			if toks := tokens(kw); len(toks) > 0 {
				cr.keywords = append(cr.keywords, toks)
			}
		}
		c.rules = append(c.rules, cr)
	}

	langs := rules.Languages
	if len(langs[LangNorwegian]) == 0 || len(langs[LangEnglish]) == 0 {
		def := DefaultRules().Languages
		if len(langs[LangNorwegian]) == 0 {
			langs = withLang(langs, LangNorwegian, def[LangNorwegian])
		}
		if len(langs[LangEnglish]) == 0 {
			langs = withLang(langs, LangEnglish, def[LangEnglish])
		}
	}
	c.no = wordSet(langs[LangNorwegian])
	c.en = wordSet(langs[LangEnglish])
	return c
}

func withLang(m map[string][]string, k string, v []string) map[string][]string {
	out := make(map[string][]string, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return set
}

// Classify tags one article.
func (c *Classifier) Classify(in Input) Tags {
	title := tokens(in.Title)
	body := tokens(in.Body)
	return Tags{
		Category: c.category(title, body, in.CategoryHint),
		Language: c.language(in.Title+" "+in.Body, title, body, in.LanguageHint),
	}
}

func (c *Classifier) category(title, body []string, hint string) string {
	best, bestScore := "", 0
	for _, r := range c.rules {
		score := 0
		for _, kw := range r.keywords {
			score += 2*count(title, kw) + count(body, kw)
		}
		if score > bestScore {
			best, bestScore = r.category, score
		}
	}
	if best != "" {
		return best
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	return Uncategorized
}

func (c *Classifier) language(raw string, title, body []string, hint string) string {
	for _, r := range raw {
		if unicode.Is(unicode.Han, r) {
			return LangChinese
		}
	}
	no, en := 0, 0
	for _, toks := range [][]string{title, body} {
		for _, t := range toks {
			if c.no[t] {
				no++
			}
			if c.en[t] {
				en++
			}
		}
	}
	switch {
	case no > en:
		return LangNorwegian
	case en > 0:
		return LangEnglish
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	return LangUnknown
}

// tokens lowercases s and splits it into letter/digit runs.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// count returns the occurrences of the token sequence kw in toks.
func count(toks, kw []string) int {
	n := 0
	for i := 0; i+len(kw) <= len(toks); i++ {
		match := true
		for j, k := range kw {
			if toks[i+j] != k {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}
