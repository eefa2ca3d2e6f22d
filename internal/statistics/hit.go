package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// HitRecord counts how often one rule acted on traffic.
type HitRecord struct {
	Kind       string    `json:"kind"`
	RuleID     string    `json:"id"`
	Name       string    `json:"name"`
	Count      int       `json:"count"`
	LastURL    string    `json:"last_url"`
	LastAction string    `json:"last_action"`
	LastSeen   time.Time `json:"last_seen"`
}

type HitRecordList struct {
	recordAddChan chan *HitRecord
	records       map[string]*HitRecord
	mu            sync.RWMutex

	dumpRecords []*HitRecord
	dumpFile    string
	dumpWriter  *bufio.Writer
}

func NewHitRecordList(dumpFile string) *HitRecordList {
	return &HitRecordList{
		recordAddChan: make(chan *HitRecord, 100),
		records:       make(map[string]*HitRecord, 300),
		dumpRecords:   make([]*HitRecord, 0, 300),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
	}
}

// Record queues a hit without blocking; hits are dropped when the queue is full.
func (l *HitRecordList) Record(record *HitRecord) {
	if record.LastSeen.IsZero() {
		record.LastSeen = time.Now()
	}
	select {
	case l.recordAddChan <- record:
	default:
	}
}

func (l *HitRecordList) Add(record *HitRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, exists := l.records[record.RuleID]; exists {
		r.Count++
		r.Name = record.Name
		r.LastURL = record.LastURL
		r.LastAction = record.LastAction
		r.LastSeen = record.LastSeen
	} else {
		l.records[record.RuleID] = &HitRecord{
			Kind:       record.Kind,
			RuleID:     record.RuleID,
			Name:       record.Name,
			Count:      1,
			LastURL:    record.LastURL,
			LastAction: record.LastAction,
			LastSeen:   record.LastSeen,
		}
	}
}

// Forget drops the counters of a removed rule.
func (l *HitRecordList) Forget(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, ruleID)
}

// Snapshot returns a copy of all records, most hit first.
func (l *HitRecordList) Snapshot() []HitRecord {
	l.mu.RLock()
	out := make([]HitRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func (l *HitRecordList) Dump() {
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

	l.dumpRecords = l.dumpRecords[:0]
	l.mu.RLock()
	for _, record := range l.records {
		l.dumpRecords = append(l.dumpRecords, record)
	}
	l.mu.RUnlock()

	sort.SliceStable(l.dumpRecords, func(i, j int) bool {
		return l.dumpRecords[i].Count > l.dumpRecords[j].Count
	})

	l.dumpWriter.Reset(f)
	defer func() {
		if err := l.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.dumpRecords {
		_, err := fmt.Fprintf(l.dumpWriter, "%s %s %d %s %sSEQSEQ%s\n",
			record.Kind, record.RuleID, record.Count, record.LastAction, record.LastURL, record.Name)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
