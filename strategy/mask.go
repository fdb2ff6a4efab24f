package strategy

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/goredact/pii"
)

// Mask styles.
const (
	// MaskFixed replaces text with a fixed token regardless of its length.
	MaskFixed = "fixed"
	// MaskKeepPrefix keeps a type-dependent prefix and stars the rest.
	MaskKeepPrefix = "keep_prefix"
)

// DefaultMaskToken replaces masked text in text-bearing formats.
const DefaultMaskToken = "******"

type maskStrategy struct {
	style string
	token string
	seen  firstOnly
}

func newMask(opts Options) (*maskStrategy, error) {
	s := &maskStrategy{style: opts.MaskStyle, token: opts.MaskToken, seen: firstOnly{}}
	if s.style == "" {
		s.style = MaskFixed
	}
	if s.token == "" {
		s.token = DefaultMaskToken
	}
	if s.style != MaskFixed && s.style != MaskKeepPrefix {
		return nil, fmt.Errorf("%w: mask style %q", ErrInvalidOptions, s.style)
	}
	return s, nil
}

func (s *maskStrategy) Method() Method { return Mask }

func (s *maskStrategy) Apply(h Handle, r pii.Region) error {
	if boxTarget(r) {
		p, err := painter(h, Mask)
		if err != nil {
			return err
		}
		return p.Fill(r, White)
	}
	e, err := editor(h, Mask)
	if err != nil {
		return err
	}
	if s.style == MaskKeepPrefix {
		return e.ReplaceText(r, s.keepPrefix(r))
	}
	return e.ReplaceText(r, s.seen.take(r, s.token))
}

// keepPrefix masks the region's slice of the entity so that the entity as
// a whole keeps its leading runes.
func (s *maskStrategy) keepPrefix(r pii.Region) string {
	full := MaskKeepingPrefix(r.Entity.Type, r.Entity.Text)
	n := len([]rune(r.Text))
	if len([]rune(full)) != len([]rune(r.Entity.Text)) {
		return starAfter(r.Text, 0)
	}
	return pii.RuneSlice(full, r.Offset, r.Offset+n)
}

// MaskKeepingPrefix masks text keeping a prefix whose length depends on the
// entity type. Emails keep their domain.
func MaskKeepingPrefix(entityType, text string) string {
	if entityType == "EMAIL_ADDRESS" {
		if local, domain, ok := strings.Cut(text, "@"); ok {
			return starAfter(local, 2) + "@" + domain
		}
	}
	return starAfter(text, keepFor(entityType))
}

func keepFor(entityType string) int {
	switch entityType {
	case "PERSON":
		return 1
	case "PHONE_NUMBER":
		return 3
	case "DATE_TIME", "CREDIT_CARD", "US_BANK_NUMBER":
		return 4
	default:
		return 2
	}
}

func starAfter(text string, keep int) string {
	runes := []rune(text)
	if len(runes) <= keep {
		return text
	}
	return string(runes[:keep]) + strings.Repeat("*", len(runes)-keep)
}
