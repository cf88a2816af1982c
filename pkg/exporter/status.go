package exporter

import (
	"sync"
	"time"
)

// StatusReport is the summary of the latest cycle served on /status.
type StatusReport struct {
	State         string     `json:"state"`
	LastCollect   *time.Time `json:"last_collect,omitempty"`
	LastReconcile *time.Time `json:"last_reconcile,omitempty"`
	Collected     int        `json:"collected"`
	Skipped       int        `json:"skipped"`
	CPUFound      int        `json:"cpu_found"`
	MemoryFound   int        `json:"memory_found"`
	Retracted     int        `json:"retracted"`
	LastError     string     `json:"last_error,omitempty"`
}

// Status is written by the driver loop and read by HTTP handlers.
type Status struct {
	mu     sync.RWMutex
	report StatusReport
}

func NewStatus() *Status {
	return &Status{report: StatusReport{State: StateCollecting.String()}}
}

func (s *Status) Report() StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Ready reports whether at least one collection has completed.
func (s *Status) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report.LastCollect != nil
}

func (s *Status) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.State = state.String()
}

func (s *Status) collected(at time.Time, res CollectResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.LastCollect = &at
	s.report.Collected = res.Collected
	s.report.Skipped = res.Skipped
	s.report.LastError = ""
}

func (s *Status) reconciled(at time.Time, res ReconcileResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.LastReconcile = &at
	s.report.CPUFound = res.CPUFound
	s.report.MemoryFound = res.MemoryFound
	s.report.Retracted = res.Retracted
	if err != nil {
		s.report.LastError = err.Error()
	}
}

func (s *Status) failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.LastError = err.Error()
}
