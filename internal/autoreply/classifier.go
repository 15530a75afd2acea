// Package autoreply produces canned system replies for citizen messages
// based on keywords.
package autoreply

import (
	"strings"
	"unicode"
)

// Rule maps any of its keywords to a reply. Keywords match whole words,
// case-insensitively.
type Rule struct {
	Name     string
	Keywords []string
	Reply    string
}

// Classifier returns the reply of the first matching rule.
type Classifier struct {
	rules []Rule
}

func New(rules []Rule) *Classifier {
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		kw := make([]string, len(r.Keywords))
		for j, k := range r.Keywords {
			kw[j] = strings.ToLower(k)
		}
		normalized[i] = Rule{Name: r.Name, Keywords: kw, Reply: r.Reply}
	}
	return &Classifier{rules: normalized}
}

// NewDefault uses DefaultRules.
func NewDefault() *Classifier {
	return New(DefaultRules)
}

// Reply reports the canned answer for content, if any rule matches.
func (c *Classifier) Reply(content string) (string, bool) {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return "", false
	}

	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if containsPhrase(words, strings.Fields(kw)) {
				return rule.Reply, true
			}
		}
	}
	return "", false
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, p := range phrase {
			if words[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

var DefaultRules = []Rule{
	{
		Name:     "danger",
		Keywords: []string{"help", "emergency", "attack", "weapon", "gun", "knife", "fire", "hurt", "bleeding"},
		Reply:    "Your message was marked urgent and a responder has been alerted. If you are in immediate danger, call 112.",
	},
	{
		Name:     "theft",
		Keywords: []string{"stolen", "theft", "robbed", "burglary", "pickpocket"},
		Reply:    "Thank you. Please describe what was taken, where and when it happened. A responder will review your report shortly.",
	},
	{
		Name:     "traffic",
		Keywords: []string{"accident", "crash", "collision", "traffic"},
		Reply:    "Please share the exact location and whether anyone is injured. A responder will follow up.",
	},
	{
		Name:     "status",
		Keywords: []string{"status", "update", "any news"},
		Reply:    "Your incident is in the queue. A responder will reply in this chat as soon as possible.",
	},
}
