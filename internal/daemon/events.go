package daemon

import (
	"sync"
	"time"

	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/ranging"
)

const defaultEventLogSize = 128

// EventRecord is one callback delivered to a hosted session.
type EventRecord struct {
	At       time.Time      `json:"at"`
	Callback string         `json:"callback"`
	Reason   string         `json:"reason,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Report   *ReportView    `json:"report,omitempty"`
}

type ReportView struct {
	Sequence     uint64            `json:"sequence"`
	Measurements []MeasurementView `json:"measurements"`
}

type MeasurementView struct {
	Peer       string  `json:"peer"`
	DistanceCM int32   `json:"distance_cm"`
	AzimuthDeg float64 `json:"azimuth_deg"`
	RSSI       int32   `json:"rssi"`
}

// eventLog keeps the most recent callbacks for one session.
type eventLog struct {
	mu      sync.Mutex
	size    int
	records []EventRecord
	dropped int
	now     func() time.Time
}

var _ ranging.Callbacks = (*eventLog)(nil)

func newEventLog(size int) *eventLog {
	if size <= 0 {
		size = defaultEventLogSize
	}
	return &eventLog{size: size, now: time.Now}
}

func (l *eventLog) Records() []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventRecord(nil), l.records...)
}

func (l *eventLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *eventLog) add(rec EventRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.At = l.now()
	if len(l.records) == l.size {
		copy(l.records, l.records[1:])
		l.records = l.records[:len(l.records)-1]
		l.dropped++
	}
	l.records = append(l.records, rec)
}

func (l *eventLog) record(name string, reason *ranging.Reason, params *bundle.Bundle) {
	rec := EventRecord{Callback: name}
	if reason != nil {
		rec.Reason = reason.String()
	}
	if params != nil && !params.IsEmpty() {
		rec.Params = params.Map()
	}
	l.add(rec)
}

func (l *eventLog) OnOpened(params *bundle.Bundle) { l.record("opened", nil, params) }
func (l *eventLog) OnOpenFailed(reason ranging.Reason, params *bundle.Bundle) {
	l.record("open_failed", &reason, params)
}
func (l *eventLog) OnStarted(params *bundle.Bundle) { l.record("started", nil, params) }
func (l *eventLog) OnStartFailed(reason ranging.Reason, params *bundle.Bundle) {
	l.record("start_failed", &reason, params)
}
func (l *eventLog) OnReconfigured(params *bundle.Bundle) { l.record("reconfigured", nil, params) }
func (l *eventLog) OnReconfigureFailed(reason ranging.Reason, params *bundle.Bundle) {
	l.record("reconfigure_failed", &reason, params)
}
func (l *eventLog) OnStopped(reason ranging.Reason, params *bundle.Bundle) {
	l.record("stopped", &reason, params)
}
func (l *eventLog) OnStopFailed(reason ranging.Reason, params *bundle.Bundle) {
	l.record("stop_failed", &reason, params)
}
func (l *eventLog) OnClosed(reason ranging.Reason, params *bundle.Bundle) {
	l.record("closed", &reason, params)
}

func (l *eventLog) OnReportReceived(report ranging.Report) {
	view := &ReportView{
		Sequence:     report.Sequence,
		Measurements: make([]MeasurementView, 0, len(report.Measurements)),
	}
	for _, m := range report.Measurements {
		view.Measurements = append(view.Measurements, MeasurementView{
			Peer:       m.Peer.String(),
			DistanceCM: m.DistanceCM,
			AzimuthDeg: m.AzimuthDeg,
			RSSI:       m.RSSI,
		})
	}
	l.add(EventRecord{Callback: "report", Report: view})
}
