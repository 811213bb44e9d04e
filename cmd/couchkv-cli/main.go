package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pior/couchkv"
	"github.com/pior/couchkv/metrics"
)

var (
	configPath  = flag.String("config", "", "Config file path (YAML)")
	bootstrap   = flag.String("bootstrap", "", "Comma separated management endpoints, overrides the config file")
	bucket      = flag.String("bucket", "", "Bucket name, overrides the config file")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}
	if *bootstrap != "" {
		cfg.Cluster.Bootstrap = strings.Split(*bootstrap, ",")
	}
	if *bucket != "" {
		cfg.Cluster.Bucket = *bucket
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	logger, libraryLogger := initLogger(&cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := cfg.clientConfig()
	config.Logger = libraryLogger

	logger.Info().Strs("bootstrap", config.Bootstrap).Str("bucket", config.Bucket).Msg("Connecting")

	client, err := couchkv.NewClient(ctx, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create client")
	}
	defer client.Close()

	if m := client.ClusterMap(); m != nil {
		logger.Info().Int64("rev", m.Revision()).Int("nodes", len(m.Nodes())).Str("mode", m.Mode().String()).Msg("Cluster map received")
	}

	if cfg.Metrics.Addr != "" {
		server := &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      metricsMux(metrics.NewExporter(client)),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Msgf("Serving metrics on %s", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Failed to listen HTTP server")
			}
		}()
		defer func() {
			if err := server.Shutdown(context.Background()); err != nil {
				logger.Err(err).Msg("Failed to shut down the HTTP server gracefully")
			}
		}()
	}

	fmt.Println("Couchkv CLI Tool")
	fmt.Println("================")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	sh := &shell{client: client, out: os.Stdout}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		if quit := sh.exec(ctx, scanner.Text()); quit {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Err(err).Msg("Error reading input")
	}
}

func metricsMux(exporter *metrics.Exporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	return mux
}
