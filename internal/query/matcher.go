package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidPattern is wrapped by matcher construction failures (bad
// regex, bad glob syntax).
var ErrInvalidPattern = errors.New("query: invalid pattern")

// Matcher tests whether a full canonical path matches a compiled pattern.
type Matcher func(path string) bool

// NewMatcher builds a Matcher for pattern under mode. An empty pattern
// always matches, regardless of mode.
func NewMatcher(pattern string, mode Mode) (Matcher, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	switch mode {
	case "", ModeSubstring:
		return func(path string) bool { return strings.Contains(path, pattern) }, nil
	case ModeGlob:
		// Full-path glob matching, chosen per spec.md §9's open question
		// ("full path" over "basename"); gobwas/glob has no ecosystem
		// competitor in the retrieval pack, see DESIGN.md.
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
		}
		return g.Match, nil
	case ModeRegex:
		// "Contains match" semantics: the pattern is not anchored at
		// either end, matching Go's RE2 default of unanchored search.
		// This is a deliberate, documented choice per spec.md §9's
		// ambiguity callout and must never change silently.
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
		}
		return re.MatchString, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPattern, mode)
	}
}
