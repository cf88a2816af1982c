package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/voluzi/process-exporter/internal/environ"
	"github.com/voluzi/process-exporter/pkg/exporter"
	"github.com/voluzi/process-exporter/pkg/proctable"
)

var (
	host           string
	port           int
	prometheusHost string
	scrapeTime     time.Duration
	queryTimeout   time.Duration
	procRoot       string
	processSource  string
	seriesSource   string
	hostname       string
	filterConfig   string
	logLevel       string
	logJSON        bool
)

var rootCmd = &cobra.Command{
	Use:   "process-exporter",
	Short: "Exports per-process CPU and memory usage to Prometheus",
	Long: `process-exporter samples CPU and memory usage of every process on the host and serves it on /metrics.
Series of processes that exited are zeroed and removed on every cycle.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLvl, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		log.SetLevel(logLvl)
		if logJSON {
			log.SetFormatter(&log.JSONFormatter{})
		}
		return nil
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&host, "host",
		environ.GetString("EXPORTER_HOST", exporter.DefaultHost),
		"the host at which the metrics server will be listening to",
	)
	flags.IntVar(&port, "port",
		environ.GetInt("EXPORTER_PORT", exporter.DefaultPort),
		"the port at which the metrics server will be listening to",
	)
	flags.StringVar(&prometheusHost, "prometheus-host",
		environ.GetString("PROMETHEUS_HOST", exporter.DefaultPrometheusHost),
		"address of the Prometheus query API holding the published series",
	)
	flags.DurationVar(&scrapeTime, "scrape-time",
		environ.GetDuration("SCRAPE_TIME", exporter.DefaultScrapeTime),
		"delay between collection and reconciliation. Plain numbers are seconds",
	)
	flags.DurationVar(&queryTimeout, "query-timeout",
		environ.GetDuration("QUERY_TIMEOUT", exporter.DefaultQueryTimeout),
		"timeout of each query for published series",
	)
	flags.StringVar(&procRoot, "proc-root",
		environ.GetString("PROC_ROOT", proctable.DefaultProcRoot),
		"mount point of the host process table",
	)
	flags.StringVar(&processSource, "source",
		environ.GetString("PROCESS_SOURCE", proctable.SourceAuto),
		"process table backend. One of auto, procfs, gopsutil.",
	)
	flags.StringVar(&seriesSource, "series-source",
		environ.GetString("SERIES_SOURCE", exporter.DefaultSeriesSource),
		"where published series are looked up. One of prometheus, local.",
	)
	flags.StringVar(&hostname, "hostname",
		environ.GetString("EXPORTER_HOSTNAME", ""),
		"value of the host label. Defaults to the system hostname",
	)
	flags.StringVar(&filterConfig, "filter-config",
		environ.GetString("FILTER_CONFIG", ""),
		"YAML or TOML file with include/exclude process name patterns, reloaded on change",
	)

	rootCmd.PersistentFlags().StringVar(&logLevel,
		"log-level",
		environ.GetString("LOG_LEVEL", "info"),
		"Log level. One of trace, debug, info, warn, error, fatal, panic.",
	)
	rootCmd.PersistentFlags().BoolVar(&logJSON,
		"log-json",
		environ.GetBool("LOG_JSON", false),
		"Log in JSON format.",
	)
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := proctable.New(processSource, procRoot)
	if err != nil {
		return err
	}

	if filterConfig != "" {
		loader, err := proctable.NewFilterLoader(filterConfig)
		if err != nil {
			return err
		}
		go func() {
			if err := loader.Watch(ctx); err != nil {
				log.Errorf("error watching filter config: %v", err)
			}
		}()
		provider = proctable.Filtered(provider, loader.Filter)
	}

	e, err := exporter.New(provider,
		exporter.WithHost(host),
		exporter.WithPort(port),
		exporter.WithPrometheusHost(prometheusHost),
		exporter.WithScrapeTime(scrapeTime),
		exporter.WithQueryTimeout(queryTimeout),
		exporter.WithSeriesSource(seriesSource),
		exporter.WithHostname(hostname),
	)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Infof("received signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return e.Start(ctx)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
