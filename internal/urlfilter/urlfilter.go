package urlfilter

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	cacheSize    = 512
	matchTimeout = 100 * time.Millisecond
)

// compiled patterns are shared between rules that use the same filter text.
var patternCache, _ = lru.New[string, *regexp2.Regexp](cacheSize)

// Predicate is a single include or exclude test. Exactly one of Contains
// and Pattern is meaningful, selected by IsRegex.
type Predicate struct {
	Source   string
	Contains string
	IsRegex  bool
	pattern  *regexp2.Regexp
}

// Test reports whether url satisfies the predicate. Regex predicates use
// search semantics, not a full match.
func (p Predicate) Test(url string) bool {
	if !p.IsRegex {
		return strings.Contains(url, p.Contains)
	}
	ok, err := p.pattern.MatchString(url)
	if err != nil {
		slog.Warn("URL filter match aborted", slog.String("pattern", p.Source), slog.Any("error", err))
		return false
	}
	return ok
}

// Filter is a compiled list of URL filter strings.
type Filter struct {
	Include []Predicate
	Exclude []Predicate
	sources []string
}

// Compile turns raw filter strings into a Filter. A leading "!" moves the
// remainder into the exclude list; "/.../" denotes a regular expression.
// Broken regular expressions are logged and dropped.
func Compile(filters []string) *Filter {
	f := &Filter{
		Include: make([]Predicate, 0, len(filters)),
		sources: slices.Clone(filters),
	}
	for _, raw := range filters {
		s := strings.TrimLeft(raw, " \t")
		exclude := false
		if strings.HasPrefix(s, "!") {
			exclude = true
			s = s[1:]
		} else {
			s = raw
		}
		if s == "" {
			continue
		}
		p, ok := compilePredicate(s)
		if !ok {
			continue
		}
		if exclude {
			f.Exclude = append(f.Exclude, p)
		} else {
			f.Include = append(f.Include, p)
		}
	}
	return f
}

func compilePredicate(s string) (Predicate, bool) {
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] != '/' {
		return Predicate{Source: s, Contains: s}, true
	}
	expr := s[1 : len(s)-1]
	re, err := compileRegex(expr)
	if err != nil {
		slog.Warn("Invalid URL filter regex dropped", slog.String("filter", s), slog.Any("error", err))
		return Predicate{}, false
	}
	return Predicate{Source: s, IsRegex: true, pattern: re}, true
}

func compileRegex(expr string) (*regexp2.Regexp, error) {
	if re, ok := patternCache.Get(expr); ok {
		return re, nil
	}
	re, err := regexp2.Compile(expr, regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	patternCache.Add(expr, re)
	return re, nil
}

// Match reports whether url satisfies at least one include predicate and no
// exclude predicate. When optionalWhenEmpty is set, a filter without include
// predicates matches every URL.
func (f *Filter) Match(url string, optionalWhenEmpty bool) bool {
	if f == nil || len(f.Include) == 0 {
		return optionalWhenEmpty
	}
	if !slices.ContainsFunc(f.Include, func(p Predicate) bool { return p.Test(url) }) {
		return false
	}
	return !slices.ContainsFunc(f.Exclude, func(p Predicate) bool { return p.Test(url) })
}

// Empty reports whether the filter has no include predicates.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Include) == 0
}

// Sources returns the raw strings the filter was compiled from.
func (f *Filter) Sources() []string {
	if f == nil {
		return nil
	}
	return slices.Clone(f.sources)
}

// Equal reports whether both filters were compiled from the same strings.
func (f *Filter) Equal(other *Filter) bool {
	return slices.Equal(f.Sources(), other.Sources())
}

// Groups are the capture groups of a regex match, the whole match at
// index 0. Set[i] is false when group i did not take part in the match.
type Groups struct {
	Values []string
	Set    []bool
}

// Submatch returns the capture groups of the first include regex matching
// url. It returns nil when no regex matches.
func (f *Filter) Submatch(url string) *Groups {
	if f == nil {
		return nil
	}
	for _, p := range f.Include {
		if !p.IsRegex {
			continue
		}
		m, err := p.pattern.FindStringMatch(url)
		if err != nil || m == nil {
			continue
		}
		groups := m.Groups()
		out := &Groups{Values: make([]string, len(groups)), Set: make([]bool, len(groups))}
		for i, g := range groups {
			if len(g.Captures) > 0 {
				out.Values[i] = g.String()
				out.Set[i] = true
			}
		}
		return out
	}
	return nil
}

// Substitute replaces $n in template with group n, from the highest group
// down to 1 so that $1 never clobbers the prefix of $10. References to groups
// that do not exist or did not participate are left untouched.
func Substitute(template string, groups *Groups) string {
	if groups == nil {
		return template
	}
	for i := len(groups.Values) - 1; i > 0; i-- {
		if i < len(groups.Set) && groups.Set[i] {
			template = strings.ReplaceAll(template, "$"+strconv.Itoa(i), groups.Values[i])
		}
	}
	return template
}

func (f *Filter) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("include", len(f.Include)),
		slog.Int("exclude", len(f.Exclude)),
		slog.Any("sources", f.sources),
	)
}
