package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(changes []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func (r *recorder) get() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	rec := &recorder{}
	cancel := s.Subscribe(rec.add)

	require.NoError(t, s.Set(ctx, map[string]any{
		"blockingRules": [][]any{{"id1", "ads", true}},
		"headerRules":   []any{},
	}, false))

	values, err := s.Get(ctx, "blockingRules", "missing")
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.JSONEq(t, `[["id1","ads",true]]`, string(values["blockingRules"]))

	all, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = Lookup(ctx, s, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// unchanged values are not reported
	require.NoError(t, s.Set(ctx, map[string]any{"headerRules": []any{}}, false))
	require.NoError(t, s.Set(ctx, map[string]any{"headerRules": json.RawMessage(`[1]`)}, true))

	changes := rec.get()
	require.Len(t, changes, 3)
	last := changes[2]
	assert.Equal(t, "headerRules", last.Key)
	assert.True(t, last.Silent)
	assert.JSONEq(t, `[1]`, string(last.Value))

	cancel()
	require.NoError(t, s.Set(ctx, map[string]any{"headerRules": []any{2}}, false))
	assert.Len(t, rec.get(), 3)
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	testStore(t, s)
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "rules.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	testStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, err := Lookup(context.Background(), reopened, "headerRules")
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(v))
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s, err := OpenFile(path)
	require.NoError(t, err)
	testStore(t, s)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blockingRules":[["id1","ads",true]],"headerRules":[2]}`, string(data))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, err := Lookup(context.Background(), reopened, "blockingRules")
	require.NoError(t, err)
	assert.JSONEq(t, `[["id1","ads",true]]`, string(v))
}

func TestFileExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string]any{"a": 1, "b": 2}, true))

	rec := &recorder{}
	s.Subscribe(rec.add)
	// give the watcher a moment to drain our own write
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.get())

	require.NoError(t, os.WriteFile(path, []byte(`{"a": 1, "c": {"x": true}}`), 0o644))
	require.Eventually(t, func() bool { return len(rec.get()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	byKey := make(map[string]Change)
	for _, c := range rec.get() {
		byKey[c.Key] = c
	}
	assert.NotContains(t, byKey, "a")
	assert.JSONEq(t, `{"x": true}`, string(byKey["c"].Value))
	assert.False(t, byKey["c"].Silent)
	assert.JSONEq(t, `null`, string(byKey["b"].Value))

	v, err := Lookup(ctx, s, "c")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x": true}`, string(v))
}

func TestFileRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1, 2]`), 0o644))
	_, err := OpenFile(path)
	assert.Error(t, err)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, `a\.b\*`, escapePath("a.b*"))
}
