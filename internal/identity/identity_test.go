package identity

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frozenGenerator(at time.Time) *Generator {
	g := New()
	g.now = func() time.Time { return at }
	return g
}

func TestSameTickDistinct(t *testing.T) {
	g := frozenGenerator(time.Unix(1700000000, 0))

	a := g.Next()
	b := g.Next()
	assert.NotEqual(t, a, b)
	assert.Equal(t, a[:8], b[:8])
}

func TestNoDuplicates(t *testing.T) {
	g := New()
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.NewString()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate identifier %s after %d calls", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestCollisionResamples(t *testing.T) {
	g := frozenGenerator(time.Unix(1700000000, 0))

	// the first two draws are identical, the third differs
	draws := [][]byte{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2},
	}
	calls := 0
	g.read = func(b []byte) (int, error) {
		n := copy(b, draws[calls])
		calls++
		return n, nil
	}

	a := g.Next()
	b := g.Next()
	assert.NotEqual(t, a, b)
	assert.Equal(t, 3, calls)
}

func TestSeenClearedOnTickAdvance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := frozenGenerator(now)
	g.read = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 7
		}
		return len(b), nil
	}

	first := g.Next()
	now = now.Add(time.Nanosecond)
	g.now = func() time.Time { return now }
	second := g.Next()

	assert.NotEqual(t, first, second)
	assert.Len(t, g.seen, 1)
}

func TestMonotonicPrefix(t *testing.T) {
	now := time.Unix(1700000000, 500)
	g := frozenGenerator(now)

	ids := make([]uuid.UUID, 0, 3)
	ids = append(ids, g.Next())
	// clock steps backwards, prefix must not
	g.now = func() time.Time { return now.Add(-time.Second) }
	ids = append(ids, g.Next())
	g.now = func() time.Time { return now.Add(time.Second) }
	ids = append(ids, g.Next())

	require.True(t, sort.SliceIsSorted(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:8], ids[j][:8]) < 0
	}))
	assert.True(t, now.Equal(Time(ids[1])))
}

func TestStringLayout(t *testing.T) {
	s := NewString()
	_, err := uuid.Parse(s)
	require.NoError(t, err)
	assert.Len(t, s, 36)
}
