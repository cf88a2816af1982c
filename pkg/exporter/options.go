package exporter

import "time"

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 9877
	DefaultPrometheusHost = "http://localhost:9090"
	DefaultScrapeTime     = 10 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
	DefaultSeriesSource   = SeriesSourcePrometheus

	shutdownTimeout = 5 * time.Second
)

func defaultOptions() *Options {
	return &Options{
		Host:           DefaultHost,
		Port:           DefaultPort,
		PrometheusHost: DefaultPrometheusHost,
		ScrapeTime:     DefaultScrapeTime,
		QueryTimeout:   DefaultQueryTimeout,
		SeriesSource:   DefaultSeriesSource,
	}
}

type Options struct {
	Host           string
	Port           int
	PrometheusHost string
	ScrapeTime     time.Duration
	QueryTimeout   time.Duration
	SeriesSource   string
	// Hostname is the value of the host label. Empty means os.Hostname().
	Hostname string
}

type Option func(*Options)

func WithHost(s string) Option {
	return func(opts *Options) {
		opts.Host = s
	}
}

func WithPort(v int) Option {
	return func(opts *Options) {
		opts.Port = v
	}
}

func WithPrometheusHost(address string) Option {
	return func(opts *Options) {
		opts.PrometheusHost = address
	}
}

func WithScrapeTime(d time.Duration) Option {
	return func(opts *Options) {
		opts.ScrapeTime = d
	}
}

func WithQueryTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.QueryTimeout = d
	}
}

func WithSeriesSource(source string) Option {
	return func(opts *Options) {
		opts.SeriesSource = source
	}
}

func WithHostname(name string) Option {
	return func(opts *Options) {
		opts.Hostname = name
	}
}
