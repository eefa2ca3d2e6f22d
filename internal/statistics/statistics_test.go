package statistics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHitRecordList(t *testing.T) {
	dir := t.TempDir()
	l := NewHitRecordList(filepath.Join(dir, "rule_stats"))

	l.Add(&HitRecord{Kind: "blockingRules", RuleID: "a", Name: "ads", LastURL: "https://a.com/1", LastAction: "cancel"})
	l.Add(&HitRecord{Kind: "blockingRules", RuleID: "a", Name: "ads", LastURL: "https://a.com/2", LastAction: "cancel"})
	l.Add(&HitRecord{Kind: "headerRules", RuleID: "b", Name: "ua", LastURL: "https://b.com", LastAction: "headers"})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].RuleID)
	assert.Equal(t, 2, snap[0].Count)
	assert.Equal(t, "https://a.com/2", snap[0].LastURL)

	l.Dump()
	data, err := os.ReadFile(filepath.Join(dir, "rule_stats"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "blockingRules a 2 cancel https://a.com/2SEQSEQads", lines[0])

	l.Forget("a")
	assert.Len(t, l.Snapshot(), 1)
}

func TestFlowRecordList(t *testing.T) {
	l := NewFlowRecordList("")
	now := time.Now()
	l.Add(&FlowRecord{ID: "1", URL: "https://a.com", StartTime: now.Add(-time.Second)})
	l.Add(&FlowRecord{ID: "2", URL: "https://b.com", StartTime: now})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "2", snap[0].ID)

	l.Remove("2")
	assert.Len(t, l.Snapshot(), 1)
	// no dump file configured
	l.Dump()
}

func TestRecorderRun(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.RecordHit(&HitRecord{Kind: "headerRules", RuleID: "x", LastAction: "headers"})
	r.Flows.Open(&FlowRecord{ID: "f", URL: "https://a.com"})

	require.Eventually(t, func() bool {
		return len(r.Hits.Snapshot()) == 1 && len(r.Flows.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	r.Flows.Done("f")
	require.Eventually(t, func() bool { return len(r.Flows.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	_, err := os.Stat(filepath.Join(dir, "rule_stats"))
	assert.NoError(t, err)

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.RecordHit(&HitRecord{}) })
}
