package statistics

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// FlowRecord is an in-flight request handled by a host.
type FlowRecord struct {
	ID        string    `json:"id"`
	SrcAddr   string    `json:"src"`
	URL       string    `json:"url"`
	StartTime time.Time `json:"start"`
}

type FlowRecordList struct {
	recordAddChan    chan *FlowRecord
	recordRemoveChan chan string
	records          map[string]*FlowRecord
	mu               sync.RWMutex
	dumpFile         string
}

func NewFlowRecordList(dumpFile string) *FlowRecordList {
	return &FlowRecordList{
		recordAddChan:    make(chan *FlowRecord, 500),
		recordRemoveChan: make(chan string, 500),
		records:          make(map[string]*FlowRecord, 500),
		dumpFile:         dumpFile,
	}
}

func (l *FlowRecordList) Open(record *FlowRecord) {
	select {
	case l.recordAddChan <- record:
	default:
	}
}

func (l *FlowRecordList) Done(id string) {
	select {
	case l.recordRemoveChan <- id:
	default:
	}
}

func (l *FlowRecordList) Add(record *FlowRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	startTime := record.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}
	l.records[record.ID] = &FlowRecord{
		ID:        record.ID,
		SrcAddr:   record.SrcAddr,
		URL:       record.URL,
		StartTime: startTime,
	}
}

func (l *FlowRecordList) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
}

// Snapshot returns the in-flight requests, newest first.
func (l *FlowRecordList) Snapshot() []FlowRecord {
	l.mu.RLock()
	out := make([]FlowRecord, 0, len(l.records))
	for _, record := range l.records {
		out = append(out, *record)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (l *FlowRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	for _, record := range l.Snapshot() {
		duration := time.Since(record.StartTime)
		line := fmt.Sprintf("%s %s %s %d\n",
			record.ID, record.SrcAddr, record.URL, int(duration.Seconds()))
		if _, err := f.WriteString(line); err != nil {
			slog.Error("os.File.WriteString", slog.Any("error", err))
			return
		}
	}
}
