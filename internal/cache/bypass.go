package cache

import (
	"fmt"
	"regexp"
)

// BypassList decides whether a given GraphQL operation name should skip the
// cache entirely (no GET, no SET). Introspection-style operations are cheap,
// frequent, and must always reflect the live schema, so they never cache.
//
// Two matching modes are supported:
//
//   - Exact match: the operation name must equal the rule exactly.
//   - Regex match: the operation name is tested against a compiled regexp.
//
// A nil *BypassList is safe to call — Matches always returns false.
type BypassList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// DefaultBypassOperations are the operations that always skip caching.
var DefaultBypassOperations = []string{
	"IntrospectionQuery",
	"availableAgents",
	"loadAgentState",
}

// NewBypassList compiles the given exact names and regex patterns into a
// BypassList. Returns an error if any pattern fails to compile so that
// misconfiguration is caught at startup.
func NewBypassList(exact, patterns []string) (*BypassList, error) {
	bl := &BypassList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			bl.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache bypass: invalid pattern %q: %w", p, err)
		}
		bl.patterns = append(bl.patterns, re)
	}

	return bl, nil
}

// Matches reports whether the given operation name skips the cache.
// Exact rules are checked first (O(1)), then regex patterns in order.
func (bl *BypassList) Matches(operation string) bool {
	if bl == nil {
		return false
	}
	if _, ok := bl.exact[operation]; ok {
		return true
	}
	for _, re := range bl.patterns {
		if re.MatchString(operation) {
			return true
		}
	}
	return false
}

// Len returns the total number of bypass rules configured.
func (bl *BypassList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.exact) + len(bl.patterns)
}
