// Package main is peerd, a standalone peerlink node.
//
// Configuration is layered: built-in defaults, then an optional .env file,
// then PEERLINK_* environment variables, then command-line flags.
//
//	peerd -port 7000 -bootstrap 203.0.113.5:7000,203.0.113.6:7000 -log-level debug
//	peerd -data-dir /var/lib/peerd -metrics-addr 127.0.0.1:9100
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// parseFlags overlays command-line flags onto cfg. Flags left unset keep the
// value cfg already has.
func parseFlags(args []string, cfg *config.Config, out io.Writer) (envFile string, err error) {
	fs := flag.NewFlagSet("peerd", flag.ContinueOnError)
	fs.SetOutput(out)

	var bootstrap, seeds string
	var intervalMs int

	fs.StringVar(&envFile, "env-file", ".env", "Optional .env file to load before the environment")
	fs.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "TCP port to listen on (0 picks one)")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "Maximum concurrent sessions")
	fs.StringVar(&bootstrap, "bootstrap", strings.Join(cfg.BootstrapAddresses, ","), "Comma separated bootstrap host:port list")
	fs.StringVar(&seeds, "seeds", strings.Join(cfg.Seeds, ","), "Comma separated seed host:port list")
	fs.IntVar(&intervalMs, "maintenance-interval-ms", int(cfg.MaintenanceInterval/time.Millisecond), "Maintenance interval in milliseconds")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for identity and known peers")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Name advertised to peers")
	fs.BoolVar(&cfg.RegenerateIdentity, "regenerate-identity", cfg.RegenerateIdentity, "Replace a corrupt identity with a new one")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit logs as JSON")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg.BootstrapAddresses = config.SplitList(bootstrap)
	cfg.Seeds = config.SplitList(seeds)
	cfg.MaintenanceInterval = time.Duration(intervalMs) * time.Millisecond
	return envFile, nil
}

// envFileFlag finds -env-file before the full parse so the file can be
// loaded ahead of the flags that override it.
func envFileFlag(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "env-file" || !strings.HasPrefix(a, "-") {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ".env"
}

// setupLogging applies the configured level and format to the standard logger.
func setupLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(cfg, node.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("start node: %w", err)
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = serveMetrics(cfg.MetricsAddr, reg)
	}

	<-ctx.Done()
	logrus.WithField("function", "run").Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}
	return n.Stop()
}

func main() {
	cfg := config.Default()
	if err := cfg.LoadEnv(envFileFlag(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if _, err := parseFlags(os.Args[1:], &cfg, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("peerd exited with error")
		os.Exit(1)
	}
}
