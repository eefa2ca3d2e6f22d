package statistics

import (
	"context"
	"path/filepath"
	"time"
)

const DefaultInterval = 5 * time.Second

// Recorder aggregates rule hits and in-flight flows and dumps both to files
// in a directory at a fixed interval.
type Recorder struct {
	Hits     *HitRecordList
	Flows    *FlowRecordList
	interval time.Duration
}

// NewRecorder dumps into dir. An empty dir disables the dump files.
func NewRecorder(dir string, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var hitFile, flowFile string
	if dir != "" {
		hitFile = filepath.Join(dir, "rule_stats")
		flowFile = filepath.Join(dir, "flow_stats")
	}
	return &Recorder{
		Hits:     NewHitRecordList(hitFile),
		Flows:    NewFlowRecordList(flowFile),
		interval: interval,
	}
}

// Run consumes queued records until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case record := <-r.Hits.recordAddChan:
			r.Hits.Add(record)
		case record := <-r.Flows.recordAddChan:
			r.Flows.Add(record)
		case id := <-r.Flows.recordRemoveChan:
			r.Flows.Remove(id)
		case <-ticker.C:
			r.Hits.Dump()
			r.Flows.Dump()
		case <-ctx.Done():
			r.Hits.Dump()
			r.Flows.Dump()
			return
		}
	}
}

// RecordHit is a nil-safe shortcut used by rules.
func (r *Recorder) RecordHit(record *HitRecord) {
	if r == nil {
		return
	}
	r.Hits.Record(record)
}
