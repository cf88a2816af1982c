package exporter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"emperror.dev/errors"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"
)

const (
	SeriesSourcePrometheus = "prometheus"
	SeriesSourceLocal      = "local"
)

// ErrQueryBackend is returned when published series cannot be retrieved.
var ErrQueryBackend = errors.NewPlain("query backend unavailable")

// Series is one published label set of a process metric.
type Series struct {
	Metric   string
	Identity Identity
	// Type is only set for memory series.
	Type  string
	Value float64
}

// SeriesSource lists the series currently published for metric on host.
type SeriesSource interface {
	Published(ctx context.Context, metric, host string) ([]Series, error)
}

// PublishedQuery is the PromQL expression selecting the non-zero series of metric on host.
func PublishedQuery(metric, host string) string {
	return fmt.Sprintf("%s{%s=%q} != 0", metric, LabelHost, host)
}

// PrometheusSource asks a Prometheus-compatible query API which series it holds.
type PrometheusSource struct {
	api     promv1.API
	address string
	timeout time.Duration
}

var _ SeriesSource = (*PrometheusSource)(nil)

func NewPrometheusSource(address string, timeout time.Duration) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, errors.Wrapf(err, "creating prometheus client for %s", address)
	}
	return &PrometheusSource{
		api:     promv1.NewAPI(client),
		address: address,
		timeout: timeout,
	}, nil
}

func (s *PrometheusSource) Published(ctx context.Context, metric, host string) ([]Series, error) {
	query := PublishedQuery(metric, host)

	var opts []promv1.Option
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
		opts = append(opts, promv1.WithTimeout(s.timeout))
	}

	value, warnings, err := s.api.Query(ctx, query, time.Now(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: query %q: %w", ErrQueryBackend, s.address, query, err)
	}
	for _, w := range warnings {
		log.WithField("query", query).Warnf("prometheus warning: %s", w)
	}

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: %s: query %q returned %T, expected vector", ErrQueryBackend, s.address, query, value)
	}

	series := make([]Series, 0, len(vector))
	for _, sample := range vector {
		labels := make(map[string]string, len(sample.Metric))
		for k, v := range sample.Metric {
			labels[string(k)] = string(v)
		}
		if ser, ok := seriesFromLabels(metric, labels, float64(sample.Value)); ok {
			series = append(series, ser)
		}
	}
	return series, nil
}

// RegistrySource lists the series held by a local gatherer, normally the exporter's own
// registry. Zero-valued series are included: locally they are still published.
type RegistrySource struct {
	gatherer prometheus.Gatherer
}

var _ SeriesSource = (*RegistrySource)(nil)

func NewRegistrySource(gatherer prometheus.Gatherer) *RegistrySource {
	return &RegistrySource{gatherer: gatherer}
}

func (s *RegistrySource) Published(_ context.Context, metric, host string) ([]Series, error) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("%w: gathering local registry: %w", ErrQueryBackend, err)
	}
	for _, mf := range families {
		if mf.GetName() == metric {
			return seriesFromFamily(mf, host), nil
		}
	}
	return nil, nil
}

func seriesFromFamily(mf *dto.MetricFamily, host string) []Series {
	var series []Series
	for _, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels[LabelHost] != host {
			continue
		}
		if s, ok := seriesFromLabels(mf.GetName(), labels, m.GetGauge().GetValue()); ok {
			series = append(series, s)
		}
	}
	return series
}

func seriesFromLabels(metric string, labels map[string]string, value float64) (Series, bool) {
	pid, err := strconv.ParseInt(labels[LabelPID], 10, 32)
	if err != nil {
		log.WithFields(log.Fields{
			"metric":   metric,
			"proc_pid": labels[LabelPID],
		}).Debug("ignoring series without a valid pid")
		return Series{}, false
	}
	return Series{
		Metric: metric,
		Identity: Identity{
			Host:    labels[LabelHost],
			Name:    labels[LabelName],
			Cmdline: labels[LabelCmdline],
			PID:     int32(pid),
		},
		Type:  labels[LabelType],
		Value: value,
	}, true
}
