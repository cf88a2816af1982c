package exporter

import (
	"context"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/voluzi/process-exporter/pkg/proctable"
)

// cpuKey includes the start time so a recycled pid never inherits the CPU time of
// the process that used it before.
type cpuKey struct {
	Identity  Identity
	StartTime uint64
}

type cpuSample struct {
	at      time.Time
	cpuTime float64
}

// CollectResult summarises one collection.
type CollectResult struct {
	Collected int `json:"collected"`
	Skipped   int `json:"skipped"`
}

// Collector turns process snapshots into gauge values. It never removes series.
type Collector struct {
	metrics  *Metrics
	provider proctable.Provider
	host     string
	cpu      *ttlcache.Cache[cpuKey, cpuSample]
	now      func() time.Time
}

// NewCollector returns a collector publishing into metrics. Previous CPU samples of a
// process are forgotten sampleTTL after its last observation.
func NewCollector(metrics *Metrics, provider proctable.Provider, host string, sampleTTL time.Duration) *Collector {
	return &Collector{
		metrics:  metrics,
		provider: provider,
		host:     host,
		cpu:      ttlcache.New[cpuKey, cpuSample](ttlcache.WithTTL[cpuKey, cpuSample](sampleTTL)),
		now:      time.Now,
	}
}

func (c *Collector) Collect(ctx context.Context, procs []proctable.Process) CollectResult {
	c.collectMemoryTotal(ctx)
	c.cpu.DeleteExpired()

	var res CollectResult
	for _, proc := range procs {
		if ctx.Err() != nil {
			break
		}

		usage, status, err := proc.Read(ctx)
		if err != nil {
			log.WithFields(log.Fields{
				"proc_name": proc.Name(),
				"proc_pid":  proc.PID(),
			}).Debugf("skipping process: %v", err)
			res.Skipped++
			continue
		}
		if status != proctable.ReadOK {
			log.WithFields(log.Fields{
				"proc_pid": proc.PID(),
				"status":   status,
			}).Trace("process vanished before it could be read")
			res.Skipped++
			continue
		}

		id := Identity{
			Host:    c.host,
			Name:    proc.Name(),
			Cmdline: proc.Cmdline(),
			PID:     proc.PID(),
		}
		c.metrics.SetSample(ResourceSample{
			Identity:        id,
			CPUPercent:      c.cpuPercent(id, usage),
			MemoryUsedBytes: usage.USS,
			MemorySwapBytes: usage.Swap,
		})
		res.Collected++
	}
	return res
}

func (c *Collector) collectMemoryTotal(ctx context.Context) {
	total, err := c.provider.MemoryTotal(ctx)
	if err != nil {
		log.Errorf("error reading total memory: %v", err)
		return
	}
	c.metrics.SetMemoryTotal(c.host, total)
	log.WithField("total", datasize.ByteSize(total).HumanReadable()).Debug("read total memory")
}

// cpuPercent is the CPU time consumed since the previous sample of the same process
// over the wall time elapsed, in percent of one core. The first sample is 0.
func (c *Collector) cpuPercent(id Identity, usage proctable.Usage) float64 {
	key := cpuKey{Identity: id, StartTime: usage.StartTime}
	now := c.now()

	var percent float64
	if item := c.cpu.Get(key); item != nil {
		prev := item.Value()
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
			percent = (usage.CPUTimeSec - prev.cpuTime) / elapsed * 100
		}
	}
	c.cpu.Set(key, cpuSample{at: now, cpuTime: usage.CPUTimeSec}, ttlcache.DefaultTTL)

	if percent < 0 {
		return 0
	}
	return percent
}
