package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestRecord tracks one admitted request. Immutable after End is set.
type RequestRecord struct {
	// ID uniquely identifies the record.
	ID string
	// SessionID names the session that issued the request.
	SessionID string
	// Method is the JSON-RPC method.
	Method string
	// Start is the monotonic-friendly admission time.
	Start time.Time
	// End is the completion time; zero while in flight.
	End time.Time
	// OK reports whether the request succeeded. Valid once End is set.
	OK bool
}

// Latency returns the request duration, or zero while in flight.
func (r *RequestRecord) Latency() time.Duration {
	if r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// MetricsSnapshot aggregates completed request records.
type MetricsSnapshot struct {
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	AvgLatency     time.Duration `json:"avgLatency"`
	MaxLatency     time.Duration `json:"maxLatency"`
	PerSecond      float64       `json:"perSecond"`
	WindowDuration time.Duration `json:"windowDuration"`
}

// maxRetainedRecords bounds the in-memory record history.
const maxRetainedRecords = 4096

// Recorder collects request records and computes latency and throughput
// aggregates over the retained window.
type Recorder struct {
	mu      sync.Mutex
	records []*RequestRecord
	now     func() time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Begin opens a record for an admitted request.
func (r *Recorder) Begin(sessionID, method string) *RequestRecord {
	rec := &RequestRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Method:    method,
		Start:     r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > maxRetainedRecords {
		r.records = r.records[len(r.records)-maxRetainedRecords:]
	}
	return rec
}

// Finish stamps the record's end time and outcome.
func (r *Recorder) Finish(rec *RequestRecord, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.End.IsZero() {
		rec.End = r.now()
		rec.OK = ok
	}
}

// Snapshot aggregates the retained completed records.
func (r *Recorder) Snapshot() MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snap MetricsSnapshot
	var total time.Duration
	var earliest, latest time.Time

	for _, rec := range r.records {
		if rec.End.IsZero() {
			continue
		}
		snap.Completed++
		if !rec.OK {
			snap.Failed++
		}
		lat := rec.Latency()
		total += lat
		if lat > snap.MaxLatency {
			snap.MaxLatency = lat
		}
		if earliest.IsZero() || rec.Start.Before(earliest) {
			earliest = rec.Start
		}
		if rec.End.After(latest) {
			latest = rec.End
		}
	}

	if snap.Completed > 0 {
		snap.AvgLatency = total / time.Duration(snap.Completed)
		snap.WindowDuration = latest.Sub(earliest)
		if snap.WindowDuration > 0 {
			snap.PerSecond = float64(snap.Completed) / snap.WindowDuration.Seconds()
		}
	}
	return snap
}
