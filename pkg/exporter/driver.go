package exporter

import (
	"context"
	"fmt"
	"time"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"

	"github.com/voluzi/process-exporter/pkg/proctable"
)

// ErrSnapshot is returned when the process table cannot be listed.
var ErrSnapshot = errors.NewPlain("process snapshot failed")

type State int

const (
	StateCollecting State = iota
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Driver alternates collection and reconciliation until its context is cancelled.
type Driver struct {
	provider   proctable.Provider
	collector  *Collector
	reconciler *Reconciler
	delay      time.Duration
	status     *Status
	now        func() time.Time
}

// NewDriver returns a driver waiting delay between the collection and the reconciliation
// of every cycle. Cycles follow each other without pause.
func NewDriver(provider proctable.Provider, collector *Collector, reconciler *Reconciler, delay time.Duration) *Driver {
	return &Driver{
		provider:   provider,
		collector:  collector,
		reconciler: reconciler,
		delay:      delay,
		status:     NewStatus(),
		now:        time.Now,
	}
}

func (d *Driver) Status() *Status {
	return d.status
}

// Run starts with a collection immediately and returns once ctx is done.
func (d *Driver) Run(ctx context.Context) {
	log.WithField("delay", d.delay).Info("starting exporter loop")
	for ctx.Err() == nil {
		if err := d.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("exporter cycle failed: %v", err)
		}
	}
	log.Info("exporter loop stopped")
}

// RunCycle runs one collection, waits for the configured delay and reconciles against a
// fresh snapshot. A failed snapshot abandons the cycle after the delay.
func (d *Driver) RunCycle(ctx context.Context) error {
	d.status.setState(StateCollecting)
	procs, err := d.snapshot(ctx)
	if err != nil {
		d.status.failed(err)
		d.wait(ctx)
		return err
	}

	res := d.collector.Collect(ctx, procs)
	d.status.collected(d.now(), res)
	log.WithFields(log.Fields{
		"collected": res.Collected,
		"skipped":   res.Skipped,
	}).Info("collected process samples")

	if !d.wait(ctx) {
		return ctx.Err()
	}

	d.status.setState(StateReconciling)
	live, err := d.snapshot(ctx)
	if err != nil {
		d.status.failed(err)
		d.wait(ctx)
		return err
	}

	rres, err := d.reconciler.Reconcile(ctx, live)
	d.status.reconciled(d.now(), rres, err)
	log.WithFields(log.Fields{
		"cpu_found":    rres.CPUFound,
		"memory_found": rres.MemoryFound,
		"retracted":    rres.Retracted,
	}).Info("reconciled published series")
	return err
}

func (d *Driver) snapshot(ctx context.Context) ([]proctable.Process, error) {
	procs, err := d.provider.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	return procs, nil
}

// wait returns false when ctx ends before the delay elapsed.
func (d *Driver) wait(ctx context.Context) bool {
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
