package exporter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/voluzi/process-exporter/pkg/proctable"
)

// Exporter serves the process metrics and runs the collection loop behind them.
type Exporter struct {
	cfg     *Options
	metrics *Metrics
	driver  *Driver
	router  *mux.Router
	server  *http.Server

	stopOnce sync.Once
	stopErr  error
}

func New(provider proctable.Provider, opts ...Option) (*Exporter, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.ScrapeTime <= 0 {
		return nil, errors.Errorf("scrape time must be positive, got %s", options.ScrapeTime)
	}

	if options.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "resolving hostname")
		}
		options.Hostname = hostname
	}

	metrics := NewMetrics()

	var source SeriesSource
	switch options.SeriesSource {
	case SeriesSourcePrometheus:
		ps, err := NewPrometheusSource(options.PrometheusHost, options.QueryTimeout)
		if err != nil {
			return nil, err
		}
		source = ps
	case SeriesSourceLocal:
		source = NewRegistrySource(metrics.Registry())
	default:
		return nil, errors.Errorf("unknown series source %q", options.SeriesSource)
	}

	// Keep previous cpu samples for a few cycles so one slow cycle does not reset them.
	collector := NewCollector(metrics, provider, options.Hostname, 3*(2*options.ScrapeTime+options.QueryTimeout))
	reconciler := NewReconciler(metrics, source, options.Hostname)

	e := &Exporter{
		cfg:     options,
		metrics: metrics,
		driver:  NewDriver(provider, collector, reconciler, options.ScrapeTime),
		router:  mux.NewRouter(),
	}
	e.registerRoutes()
	e.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", options.Host, options.Port),
		Handler: e.router,
	}
	return e, nil
}

func (e *Exporter) Metrics() *Metrics {
	return e.metrics
}

func (e *Exporter) Handler() http.Handler {
	return e.router
}

// Start binds the listener, then runs the loop and the HTTP server until Stop is called
// or ctx is cancelled. Only a bind failure is returned as an error.
func (e *Exporter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", e.server.Addr)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go e.driver.Run(ctx)
	go func() {
		<-ctx.Done()
		if err := e.Stop(); err != nil {
			log.Errorf("failed to stop server: %v", err)
		}
	}()

	log.WithField("host", e.cfg.Hostname).Infof("server started listening on %s", ln.Addr())
	err = e.server.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down, waiting at most 5s for in-flight requests. The loop
// started by Start ends with it.
func (e *Exporter) Stop() error {
	e.stopOnce.Do(func() {
		log.Info("stopping server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		e.stopErr = e.server.Shutdown(ctx)
	})
	return e.stopErr
}

func (e *Exporter) registerRoutes() {
	e.router.Handle("/metrics", promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{
		ErrorLog: log.StandardLogger(),
	})).Methods(http.MethodGet)
	e.router.HandleFunc("/health", e.health).Methods(http.MethodGet)
	e.router.HandleFunc("/ready", e.ready).Methods(http.MethodGet)
	e.router.HandleFunc("/status", e.status).Methods(http.MethodGet)
}

func (e *Exporter) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e *Exporter) ready(w http.ResponseWriter, _ *http.Request) {
	if !e.driver.Status().Ready() {
		http.Error(w, "no collection completed yet", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Exporter) status(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(e.driver.Status().Report())
	if err != nil {
		log.Errorf("error encoding status: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
