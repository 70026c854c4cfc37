// Package tags labels expired ideas for the dead pool.
package tags

import "strings"

// MaxTags caps the labels attached to one dead-pool entry.
const MaxTags = 3

// Extractor maps idea text to at most MaxTags ordered labels.
type Extractor interface {
	Extract(title, description string) []string
}

// Rule attaches Label when any keyword occurs in the inspected text.
type Rule struct {
	Label    string   `yaml:"label" json:"label"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

func (r Rule) matches(text string) bool {
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// KeywordExtractor applies title rules, then description rules, then pads
// with Defaults. Matching is case-sensitive substring containment.
type KeywordExtractor struct {
	Title       []Rule
	Description []Rule
	Defaults    []string
}

func (x KeywordExtractor) Extract(title, description string) []string {
	out := make([]string, 0, MaxTags)
	seen := map[string]bool{}
	add := func(label string) {
		if label == "" || seen[label] {
			return
		}
		seen[label] = true
		out = append(out, label)
	}
	for _, r := range x.Title {
		if r.matches(title) {
			add(r.Label)
		}
	}
	for _, r := range x.Description {
		if r.matches(description) {
			add(r.Label)
		}
	}
	for _, d := range x.Defaults {
		if len(out) >= MaxTags {
			break
		}
		add(d)
	}
	if len(out) > MaxTags {
		out = out[:MaxTags]
	}
	return out
}

// Default returns the stock vocabulary.
func Default() KeywordExtractor {
	return KeywordExtractor{
		Title: []Rule{
			{Label: "AI", Keywords: []string{"AI", "人工知能"}},
			{Label: "App", Keywords: []string{"アプリ", "application"}},
			{Label: "Service", Keywords: []string{"サービス", "service"}},
		},
		Description: []Rule{
			{Label: "Analysis", Keywords: []string{"分析", "analysis"}},
			{Label: "Matching", Keywords: []string{"マッチング", "matching"}},
			{Label: "Automation", Keywords: []string{"自動化", "automation"}},
			{Label: "Efficiency", Keywords: []string{"効率", "efficiency"}},
			{Label: "AI", Keywords: []string{"AI", "人工知能"}},
		},
		Defaults: []string{"Idea", "Technology", "Innovation"},
	}
}
