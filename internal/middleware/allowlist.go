package middleware

import "strings"

// Allowlist matches request paths against a configured set of patterns
// that bypass rate-limit enforcement entirely (spec.md 4.7 step 1), e.g.
// "/health" or "/docs/*". Adapted from the teacher's router.Matcher
// pattern classification, trimmed to the allowlist's simpler
// exact-or-prefix-wildcard need — no parameters, no route metadata.
type Allowlist struct {
	exact    map[string]bool
	prefixes []string
}

// NewAllowlist builds an Allowlist from patterns. A pattern ending in "*"
// matches any path sharing its prefix; any other pattern matches exactly.
func NewAllowlist(patterns []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]bool)}
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			a.prefixes = append(a.prefixes, strings.TrimSuffix(p, "*"))
		} else {
			a.exact[p] = true
		}
	}
	return a
}

// Match reports whether path should bypass rate-limit enforcement.
func (a *Allowlist) Match(path string) bool {
	if a.exact[path] {
		return true
	}
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
