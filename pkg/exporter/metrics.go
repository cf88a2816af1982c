package exporter

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MemoryUsageMetric = "memory_usage_bytes"
	CPUUsageMetric    = "cpu_usage_percent"
	MemoryTotalMetric = "memory_total_bytes"

	LabelHost    = "host"
	LabelName    = "proc_name"
	LabelCmdline = "proc_cmdline"
	LabelPID     = "proc_pid"
	LabelType    = "type"

	MemoryTypeUsed = "used"
	MemoryTypeSwap = "swap"
)

// Identity is the label set identifying one process instance's series.
type Identity struct {
	Host    string
	Name    string
	Cmdline string
	PID     int32
}

func (id Identity) cpuLabels() []string {
	return []string{id.Host, id.Name, id.Cmdline, strconv.FormatInt(int64(id.PID), 10)}
}

func (id Identity) memoryLabels(kind string) []string {
	return append(id.cpuLabels(), kind)
}

// ResourceSample is one collection cycle's observation of a live process.
type ResourceSample struct {
	Identity        Identity
	CPUPercent      float64
	MemoryUsedBytes uint64
	MemorySwapBytes uint64
}

// Metrics owns the registry exposed on /metrics and the gauges written to it.
// Each exporter builds its own; nothing is registered globally.
type Metrics struct {
	registry    *prometheus.Registry
	memoryUsage *prometheus.GaugeVec
	cpuUsage    *prometheus.GaugeVec
	memoryTotal *prometheus.GaugeVec

	mu        sync.Mutex
	published map[Identity]struct{}

	// retractHook, when set, runs after a series was zeroed and before it is deleted.
	retractHook func(vec *prometheus.GaugeVec, labels []string)
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		published: make(map[Identity]struct{}),
		memoryUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MemoryUsageMetric,
			Help: "Memory used in bytes.",
		}, []string{LabelHost, LabelName, LabelCmdline, LabelPID, LabelType}),
		cpuUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: CPUUsageMetric,
			Help: "CPU usage percent. Note that value can be greater than 100% if a process is using multiple cores.",
		}, []string{LabelHost, LabelName, LabelCmdline, LabelPID}),
		memoryTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MemoryTotalMetric,
			Help: "Total memory in bytes.",
		}, []string{LabelHost}),
	}
	m.registry.MustRegister(m.memoryUsage, m.cpuUsage, m.memoryTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetSample(s ResourceSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[s.Identity] = struct{}{}
	m.memoryUsage.WithLabelValues(s.Identity.memoryLabels(MemoryTypeUsed)...).Set(float64(s.MemoryUsedBytes))
	m.memoryUsage.WithLabelValues(s.Identity.memoryLabels(MemoryTypeSwap)...).Set(float64(s.MemorySwapBytes))
	m.cpuUsage.WithLabelValues(s.Identity.cpuLabels()...).Set(s.CPUPercent)
}

func (m *Metrics) SetMemoryTotal(host string, bytes uint64) {
	m.memoryTotal.WithLabelValues(host).Set(float64(bytes))
}

// Identities lists the process identities of host currently held in the registry,
// whatever their values.
func (m *Metrics) Identities(host string) []Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]Identity, 0, len(m.published))
	for id := range m.published {
		if id.Host == host {
			ids = append(ids, id)
		}
	}
	return ids
}

// Retract sets the cpu series and both memory series of id to 0, then removes them.
// It reports false, touching nothing, when id is not held in the registry.
func (m *Metrics) Retract(id Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.published[id]; !ok {
		return false
	}

	m.retract(m.cpuUsage, id.cpuLabels())
	m.retract(m.memoryUsage, id.memoryLabels(MemoryTypeUsed), id.memoryLabels(MemoryTypeSwap))
	delete(m.published, id)
	return true
}

func (m *Metrics) retract(vec *prometheus.GaugeVec, series ...[]string) {
	for _, labels := range series {
		vec.WithLabelValues(labels...).Set(0)
	}
	if m.retractHook != nil {
		for _, labels := range series {
			m.retractHook(vec, labels)
		}
	}
	for _, labels := range series {
		vec.DeleteLabelValues(labels...)
	}
}
