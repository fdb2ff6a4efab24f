package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/brunobiangulo/goredact/pii"
)

// Pattern is a single regex recognizer.
type Pattern struct {
	Type  string
	Re    *regexp.Regexp
	Score float64
	// Languages limits the pattern to the given languages; empty means all.
	Languages []string
	// Check validates a candidate match; nil accepts everything.
	Check func(string) bool
}

// Regex is an offline recognizer built from compiled patterns. It is safe
// for concurrent use; AddPattern may be called while detecting.
type Regex struct {
	mu        sync.RWMutex
	patterns  []Pattern
	names     []string
	threshold float64
}

// NewRegex returns a recognizer loaded with the built-in patterns.
func NewRegex() *Regex {
	return &Regex{patterns: builtinPatterns(), threshold: DefaultScoreThreshold}
}

// SetThreshold changes the minimum score kept.
func (r *Regex) SetThreshold(t float64) {
	r.mu.Lock()
	r.threshold = t
	r.mu.Unlock()
}

// AddPattern registers a custom recognizer for entityType.
func (r *Regex) AddPattern(entityType, expr string, score float64, languages ...string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("compiling %s pattern: %w", entityType, err)
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, Pattern{Type: entityType, Re: re, Score: score, Languages: languages})
	r.mu.Unlock()
	return nil
}

// AddNames registers literal person names matched as PERSON (score 0.85).
func (r *Regex) AddNames(names ...string) {
	r.mu.Lock()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			r.names = append(r.names, n)
		}
	}
	r.mu.Unlock()
}

func (r *Regex) Detect(ctx context.Context, text, language string) ([]pii.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	patterns := r.patterns
	names := r.names
	threshold := r.threshold
	r.mu.RUnlock()

	conv := newRuneOffsets(text)
	var ents []pii.Entity
	for _, p := range patterns {
		if !languageMatches(p.Languages, language) {
			continue
		}
		for _, m := range p.Re.FindAllStringIndex(text, -1) {
			s := text[m[0]:m[1]]
			if p.Check != nil && !p.Check(s) {
				continue
			}
			ents = append(ents, pii.Entity{
				Start: conv.at(m[0]),
				End:   conv.at(m[1]),
				Type:  p.Type,
				Score: p.Score,
				Text:  s,
			})
		}
	}
	for _, n := range names {
		for off := 0; ; {
			i := strings.Index(text[off:], n)
			if i < 0 {
				break
			}
			b := off + i
			ents = append(ents, pii.Entity{
				Start: conv.at(b),
				End:   conv.at(b + len(n)),
				Type:  "PERSON",
				Score: 0.85,
				Text:  n,
			})
			off = b + len(n)
		}
	}
	ents = filter(dedupe(ents), text, threshold)
	Sort(ents)
	return ents, nil
}

func languageMatches(langs []string, language string) bool {
	if len(langs) == 0 {
		return true
	}
	for _, l := range langs {
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}

// runeOffsets converts byte offsets of a string to rune offsets.
type runeOffsets struct {
	s []int
}

func newRuneOffsets(text string) runeOffsets {
	idx := make([]int, len(text)+1)
	n := 0
	for i := 0; i < len(text); {
		_, w := utf8.DecodeRuneInString(text[i:])
		for j := 0; j < w; j++ {
			idx[i+j] = n
		}
		i += w
		n++
	}
	idx[len(text)] = n
	return runeOffsets{s: idx}
}

func (r runeOffsets) at(b int) int { return r.s[b] }

func builtinPatterns() []Pattern {
	return []Pattern{
		{Type: "PHONE_NUMBER", Re: regexp.MustCompile(`\b1[3-9]\d{9}\b`), Score: 0.8},
		{
			Type:  "CN_ID_CARD",
			Re:    regexp.MustCompile(`\b[1-9]\d{5}(18|19|20)\d{2}(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`),
			Score: 0.9,
		},
		{Type: "EMAIL_ADDRESS", Re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), Score: 0.9},
		{Type: "CREDIT_CARD", Re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), Score: 0.85, Check: luhn},
		{Type: "IBAN_CODE", Re: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), Score: 0.8},
		{Type: "PHONE_NUMBER", Re: regexp.MustCompile(`\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), Score: 0.6, Languages: []string{"en"}},
		{Type: "IP_ADDRESS", Re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), Score: 0.6},
	}
}

// luhn validates a card number candidate, ignoring separators.
func luhn(s string) bool {
	var digits []int
	for _, c := range s {
		if unicode.IsDigit(c) {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
