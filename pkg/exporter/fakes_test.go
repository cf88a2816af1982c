package exporter

import (
	"context"
	"sync"

	"github.com/voluzi/process-exporter/pkg/proctable"
)

const testHost = "test-host"

type fakeProcess struct {
	pid     int32
	name    string
	cmdline string
	usage   proctable.Usage
	status  proctable.ReadStatus
	err     error
}

func (p *fakeProcess) PID() int32      { return p.pid }
func (p *fakeProcess) Name() string    { return p.name }
func (p *fakeProcess) Cmdline() string { return p.cmdline }
func (p *fakeProcess) Read(context.Context) (proctable.Usage, proctable.ReadStatus, error) {
	return p.usage, p.status, p.err
}

func (p *fakeProcess) identity() Identity {
	return Identity{Host: testHost, Name: p.name, Cmdline: p.cmdline, PID: p.pid}
}

// fakeProvider serves its snapshots in order, repeating the last one.
type fakeProvider struct {
	mu        sync.Mutex
	snapshots [][]proctable.Process
	calls     int
	err       error

	// errAfter is the number of snapshots served before err is returned.
	errAfter int
	total    uint64
}

func newFakeProvider(snapshots ...[]proctable.Process) *fakeProvider {
	return &fakeProvider{snapshots: snapshots, total: 8 << 30}
}

func (f *fakeProvider) Snapshot(context.Context) ([]proctable.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && f.calls > f.errAfter {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func (f *fakeProvider) MemoryTotal(context.Context) (uint64, error) {
	return f.total, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticSource struct {
	series map[string][]Series
	errs   map[string]error
	hosts  []string
}

func (s *staticSource) Published(_ context.Context, metric, host string) ([]Series, error) {
	s.hosts = append(s.hosts, host)
	if err := s.errs[metric]; err != nil {
		return nil, err
	}
	return s.series[metric], nil
}

func procs(ps ...*fakeProcess) []proctable.Process {
	out := make([]proctable.Process, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}

func nginx() *fakeProcess {
	return &fakeProcess{
		pid:     100,
		name:    "nginx",
		cmdline: "nginx -g daemon",
		usage:   proctable.Usage{StartTime: 10, CPUTimeSec: 1, USS: 4 << 20, Swap: 0},
	}
}

func redis() *fakeProcess {
	return &fakeProcess{
		pid:     200,
		name:    "redis-server",
		cmdline: "redis-server *:6379",
		usage:   proctable.Usage{StartTime: 20, CPUTimeSec: 2, USS: 8 << 20, Swap: 1 << 20},
	}
}
