package exporter

import (
	"context"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"

	"github.com/voluzi/process-exporter/pkg/proctable"
)

// ReconcileResult counts the series found per metric and the process identities retracted.
type ReconcileResult struct {
	CPUFound    int `json:"cpu_found"`
	MemoryFound int `json:"memory_found"`
	Retracted   int `json:"retracted"`
}

// Reconciler retracts the series of processes that are no longer running.
type Reconciler struct {
	metrics *Metrics
	source  SeriesSource
	host    string
}

func NewReconciler(metrics *Metrics, source SeriesSource, host string) *Reconciler {
	return &Reconciler{
		metrics: metrics,
		source:  source,
		host:    host,
	}
}

// Reconcile compares the series published for the local host with live, a snapshot
// taken by the caller right before, and retracts every identity whose pid is absent.
// All series of a retracted identity go together: cpu, memory used and memory swap.
//
// The identities held in the local registry are judged too, so series the source
// does not return (the backend only answers non-zero values) cannot outlive their
// process.
//
// The cpu and memory lookups are independent; when one fails the other is still
// reconciled and the failures are returned combined.
func (r *Reconciler) Reconcile(ctx context.Context, live []proctable.Process) (ReconcileResult, error) {
	pids := make(map[int32]struct{}, len(live))
	for _, p := range live {
		pids[p.PID()] = struct{}{}
	}

	var res ReconcileResult
	retracted := make(map[Identity]struct{})

	cpu, cpuErr := r.source.Published(ctx, CPUUsageMetric, r.host)
	if cpuErr == nil {
		res.CPUFound = len(cpu)
		log.WithField("metric", "cpu").Infof("found %d published series", len(cpu))
		for _, s := range cpu {
			r.judge("cpu", s.Identity, pids, retracted)
		}
	}

	mem, memErr := r.source.Published(ctx, MemoryUsageMetric, r.host)
	if memErr == nil {
		res.MemoryFound = len(mem)
		log.WithField("metric", "memory").Infof("found %d published series", len(mem))
		for _, s := range mem {
			r.judge("memory", s.Identity, pids, retracted)
		}
	}

	for _, id := range r.metrics.Identities(r.host) {
		r.judge("local", id, pids, retracted)
	}

	res.Retracted = len(retracted)
	return res, errors.Combine(cpuErr, memErr)
}

func (r *Reconciler) judge(kind string, id Identity, pids map[int32]struct{}, retracted map[Identity]struct{}) {
	if _, ok := pids[id.PID]; ok {
		return
	}
	// used and swap come back as two series of the same identity
	if _, ok := retracted[id]; ok {
		return
	}

	log.WithFields(log.Fields{
		"metric":    kind,
		"proc_name": id.Name,
		"proc_pid":  id.PID,
	}).Warn("process not found on system, retracting its series")

	if !r.metrics.Retract(id) {
		log.WithField("proc_pid", id.PID).Debug("series not held locally, nothing to remove")
	}
	retracted[id] = struct{}{}
}
