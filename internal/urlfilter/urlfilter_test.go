package urlfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	f := Compile([]string{"example.com", "/^https:\\/\\/a\\.com/", "  !/ads/", "!tracker", "/"})

	require.Len(t, f.Include, 3)
	require.Len(t, f.Exclude, 2)

	assert.False(t, f.Include[0].IsRegex)
	assert.Equal(t, "example.com", f.Include[0].Contains)
	assert.True(t, f.Include[1].IsRegex)
	// a single slash is too short to be a regex
	assert.False(t, f.Include[2].IsRegex)
	assert.True(t, f.Exclude[0].IsRegex)
	assert.Equal(t, "tracker", f.Exclude[1].Contains)
}

func TestCompileDropsInvalidRegex(t *testing.T) {
	f := Compile([]string{"/(unclosed/", "/^https:/"})

	require.Len(t, f.Include, 1)
	assert.Equal(t, "/^https:/", f.Include[0].Source)
	assert.True(t, f.Match("https://a.com", false))
	assert.False(t, f.Match("http://a.com", false))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		filters  []string
		url      string
		optional bool
		want     bool
	}{
		{"empty required", nil, "https://a.com", false, false},
		{"empty optional", nil, "https://a.com", true, true},
		{"only excludes required", []string{"!a.com"}, "https://b.com", false, false},
		{"only excludes optional", []string{"!a.com"}, "https://a.com", true, true},
		{"substring", []string{"a.com"}, "https://a.com/x", false, true},
		{"substring is case sensitive", []string{"A.COM"}, "https://a.com/x", false, false},
		{"no include matches", []string{"b.com"}, "https://a.com/x", false, false},
		{"excluded substring", []string{"a.com", "!/x"}, "https://a.com/x", false, false},
		{"excluded regex", []string{"a.com", "!/\\d+$/"}, "https://a.com/42", false, false},
		{"regex search semantics", []string{"/a\\.com/"}, "https://a.com/x", false, true},
		{"regex anchored", []string{"/^a\\.com/"}, "https://a.com/x", false, false},
		{"any include", []string{"b.com", "/a\\.com/"}, "https://a.com/x", false, true},
		{"excluded with whitespace", []string{"a.com", " \t!x"}, "https://a.com/x", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compile(tt.filters).Match(tt.url, tt.optional)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestNilFilter(t *testing.T) {
	var f *Filter
	assert.False(t, f.Match("https://a.com", false))
	assert.True(t, f.Match("https://a.com", true))
	assert.True(t, f.Empty())
	assert.Nil(t, f.Submatch("https://a.com"))
}

func TestSubmatchAndSubstitute(t *testing.T) {
	f := Compile([]string{"a.com", `/^https:\/\/a\.com\/(\d+)$/`})

	groups := f.Submatch("https://a.com/42")
	require.NotNil(t, groups)
	require.Equal(t, []string{"https://a.com/42", "42"}, groups.Values)
	assert.Equal(t, "https://b.com/42", Substitute("https://b.com/$1", groups))

	assert.Nil(t, f.Submatch("https://a.com/x"))
}

func TestSubstituteSkipsUnmatchedGroup(t *testing.T) {
	f := Compile([]string{`/a\.com\/(\d+)?x(y?)/`})

	groups := f.Submatch("https://a.com/x")
	require.NotNil(t, groups)
	assert.Equal(t, []bool{true, false, true}, groups.Set)
	assert.Equal(t, "https://b.com/$1/", Substitute("https://b.com/$1/$2", groups))
	assert.Equal(t, "https://b.com/$1/$3", Substitute("https://b.com/$1/$3", groups))

	groups = f.Submatch("https://a.com/7xy")
	assert.Equal(t, "https://b.com/7/y", Substitute("https://b.com/$1/$2", groups))
}

func TestCompileDropsEmptyFilters(t *testing.T) {
	f := Compile([]string{"", "!", " !", "a.com"})

	require.Len(t, f.Include, 1)
	assert.Empty(t, f.Exclude)
	assert.True(t, f.Match("https://a.com/x", false))
	assert.False(t, f.Match("https://b.com/x", false))

	assert.False(t, Compile([]string{""}).Match("https://a.com", false))
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		groups   *Groups
		want     string
	}{
		{"no groups", "https://b.com/$1", nil, "https://b.com/$1"},
		{"whole match only", "https://b.com/$1", matched("x"), "https://b.com/$1"},
		{"two groups", "$2-$1", matched("ab", "a", "b"), "b-a"},
		{"absent group", "$1/$3", matched("ab", "a", "b"), "a/$3"},
		{"repeated", "$1$1", matched("a", "a"), "aa"},
		{"empty capture", "[$1]", matched("", ""), "[]"},
		{
			"unmatched group",
			"$1-$2",
			&Groups{Values: []string{"a", "a", ""}, Set: []bool{true, true, false}},
			"a-$2",
		},
		{
			"high groups first",
			"$10|$1",
			matched("", "1", "2", "3", "4", "5", "6", "7", "8", "9", "ten"),
			"ten|1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.groups))
		})
	}
}

// matched builds Groups in which every group took part in the match.
func matched(values ...string) *Groups {
	set := make([]bool, len(values))
	for i := range set {
		set[i] = true
	}
	return &Groups{Values: values, Set: set}
}

func TestEqual(t *testing.T) {
	a := Compile([]string{"a", "/b/"})
	b := Compile([]string{"a", "/b/"})
	c := Compile([]string{"a"})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
