package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/olif/logmerge/pkg/logmerge/config"
)

const (
	defaultSources    = 5
	defaultRecords    = 1000
	defaultMaxLatency = 8 * time.Millisecond
)

var (
	configPath  string
	mode        string
	format      string
	outPath     string
	nSources    int
	nRecords    int
	seed        int64
	maxLatency  time.Duration
	metricsAddr string
	logLevel    string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a YAML run configuration, overrides the generator flags")
	flag.StringVar(&mode, "mode", config.ModeBoth, "merge mode: sequential, concurrent or both")
	flag.StringVar(&format, "format", config.FormatText, "output format: text, json or segment")
	flag.StringVar(&outPath, "out", "", "output file, defaults to stdout")
	flag.IntVar(&nSources, "sources", defaultSources, "number of generated sources")
	flag.IntVar(&nRecords, "records", defaultRecords, "max number of records per generated source")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "seed of the generated sources")
	flag.DurationVar(&maxLatency, "max-latency", defaultMaxLatency, "max simulated fetch latency of generated sources")
	flag.StringVar(&metricsAddr, "metrics.addr", "", "serve prometheus metrics on this address while merging")
	flag.StringVar(&logLevel, "log.level", "info", "log level: debug, info, warn or error")
}

func main() {
	flag.Parse()

	logger := newLogger(logLevel)

	cfg, err := loadConfig(afero.NewOsFs())
	if err != nil {
		level.Error(logger).Log("msg", "could not load config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	var server *http.Server
	if metricsAddr != "" {
		server = startHTTPServer(metricsAddr, logger, reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, runDeps{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		stdout: os.Stdout,
		logger: logger,
		reg:    reg,
	})
	stop()

	if server != nil {
		stopHTTPServer(server, logger)
	}

	if err != nil {
		level.Error(logger).Log("msg", "merge failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

// loadConfig reads the config file if one was given, otherwise it describes
// a run over generated sources from the command line flags
func loadConfig(fs afero.Fs) (*config.Config, error) {
	if configPath != "" {
		return config.Load(fs, configPath)
	}

	if nSources < 0 {
		return nil, fmt.Errorf("sources must not be negative, got %d", nSources)
	}
	if nRecords < 0 {
		return nil, fmt.Errorf("records must not be negative, got %d", nRecords)
	}

	cfg := &config.Config{
		Mode:   mode,
		Output: config.OutputConfig{Format: format, Path: outPath},
	}

	rnd := rand.New(rand.NewSource(seed))
	for i := 0; i < nSources; i++ {
		cfg.Sources = append(cfg.Sources, config.SourceConfig{
			Type:       config.SourceGenerator,
			Name:       fmt.Sprintf("gen%d", i),
			Count:      rnd.Intn(nRecords + 1),
			Seed:       seed + int64(i),
			MaxLatency: maxLatency,
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func startHTTPServer(addr string, logger log.Logger, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	level.Info(logger).Log("msg", "serving metrics", "addr", addr)

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "could not start metrics server", "err", err)
		}
	}()

	return srv
}

func stopHTTPServer(server *http.Server, logger log.Logger) {
	level.Debug(logger).Log("msg", "shutting down metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		level.Error(logger).Log("msg", "could not close metrics server", "err", err)
	}
}
