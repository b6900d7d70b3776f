package service

import (
	"regexp"
	"strings"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/execx"
)

// TransientPredicate decides whether a failed attempt looks transient and is
// worth retrying. The exact set of provider error markers is policy, not
// contract; callers can swap the predicate.
type TransientPredicate func(out *execx.Output, err error) bool

// transientMarkers are conservative signatures of provider-side trouble.
var transientMarkers = []string{
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"overloaded",
	"overloaded_error",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"status 500",
	"status 502",
	"status 503",
	"status 529",
}

// DefaultTransientPredicate matches timeouts, retryable domain errors, and
// provider overload markers in the command output.
func DefaultTransientPredicate(out *execx.Output, err error) bool {
	if err != nil && core.IsRetryable(err) {
		return true
	}
	if out == nil {
		return false
	}
	if out.TimedOut {
		return true
	}
	combined := strings.ToLower(out.Stdout + "\n" + out.Stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}

// PredicateFromPatterns builds a retry predicate from a step's retry_on
// patterns (regular expressions matched against stdout and stderr). Invalid
// patterns are treated as literal substrings.
func PredicateFromPatterns(patterns []string) TransientPredicate {
	type matcher struct {
		re      *regexp.Regexp
		literal string
	}
	matchers := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			matchers = append(matchers, matcher{re: re})
		} else {
			matchers = append(matchers, matcher{literal: p})
		}
	}

	return func(out *execx.Output, err error) bool {
		var combined string
		if out != nil {
			combined = out.Stdout + "\n" + out.Stderr
		}
		if err != nil {
			combined += "\n" + err.Error()
		}
		for _, m := range matchers {
			if m.re != nil && m.re.MatchString(combined) {
				return true
			}
			if m.re == nil && strings.Contains(combined, m.literal) {
				return true
			}
		}
		return false
	}
}
