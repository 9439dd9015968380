package devserver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RegexpPrefix marks an exclude pattern as a regular expression. Patterns
// without it are globs.
const RegexpPrefix = "re:"

// DefaultExclude lists request targets left to the host by default: assets
// the frontend toolchain serves itself.
var DefaultExclude = []string{
	`re:.*\.css$`,
	`re:.*\.ts$`,
	`re:.*\.tsx$`,
	`re:^/@.+$`,
	`re:\?t=\d+$`,
	`re:^/favicon\.ico$`,
	`re:^/static/.+`,
	`re:^/node_modules/.*`,
}

// Excluder matches request targets that bypass the dev server.
type Excluder struct {
	globs []string
	res   []*regexp.Regexp
}

// NewExcluder compiles patterns. A nil slice selects DefaultExclude; an empty
// one excludes nothing.
func NewExcluder(patterns []string) (*Excluder, error) {
	if patterns == nil {
		patterns = DefaultExclude
	}
	e := &Excluder{}
	for _, p := range patterns {
		if expr, ok := strings.CutPrefix(p, RegexpPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
			}
			e.res = append(e.res, re)
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, doublestar.ErrBadPattern)
		}
		e.globs = append(e.globs, p)
	}
	return e, nil
}

// Match reports whether target (path plus query, as received) is excluded.
func (e *Excluder) Match(target string) bool {
	if e == nil || target == "" {
		return false
	}
	for _, re := range e.res {
		if re.MatchString(target) {
			return true
		}
	}
	for _, g := range e.globs {
		// patterns were validated up front
		if ok, _ := doublestar.Match(g, target); ok {
			return true
		}
	}
	return false
}
