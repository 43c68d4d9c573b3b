package discovery

import "github.com/bmatcuk/doublestar/v4"

// Matcher applies include/exclude glob patterns to names.
type Matcher struct{ include, exclude []string }

func NewMatcher(include, exclude []string) Matcher {
	return Matcher{include: include, exclude: exclude}
}

// Match reports whether s passes the filters. An empty include list admits
// everything; exclude always wins.
func (m Matcher) Match(s string) bool {
	if len(m.include) > 0 {
		included := false
		for _, p := range m.include {
			if ok, _ := doublestar.Match(p, s); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, s); ok {
			return false
		}
	}
	return true
}
