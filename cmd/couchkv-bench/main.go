package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pior/couchkv"
	"github.com/pior/couchkv/metrics"
)

func main() {
	var (
		operation   = flag.String("operation", "all", "Operation type: "+strings.Join(operationNames(), ", ")+", or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run benchmarks")
		concurrency = flag.Int("concurrency", 1, "Number of concurrent workers")
		bootstrap   = flag.String("bootstrap", "localhost:8091", "Comma-separated list of management endpoints")
		bucket      = flag.String("bucket", "default", "Bucket name")
		username    = flag.String("username", "", "Username")
		password    = flag.String("password", "", "Password")
		connections = flag.Int("connections", 1, "Transports per node")
		pool        = flag.String("pool", "channel", "Transport pool: channel or puddle")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address while running")
	)
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fmt.Printf("Couchkv Benchmark Tool\n")
	fmt.Printf("======================\n")
	fmt.Printf("Operation: %s\n", *operation)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Bootstrap: %s\n", *bootstrap)
	fmt.Printf("Bucket: %s\n", *bucket)
	fmt.Println()

	config := couchkv.Config{
		Bucket:        *bucket,
		Bootstrap:     strings.Split(*bootstrap, ","),
		Username:      *username,
		Password:      *password,
		KVConnections: int32(*connections),
	}
	if *pool == "puddle" {
		config.Pool = couchkv.NewPuddlePool
	}

	ctx := context.Background()

	client, err := couchkv.NewClient(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer client.Close()

	if *metricsAddr != "" {
		exporter := metrics.NewExporter(client)
		go func() {
			if err := http.ListenAndServe(*metricsAddr, exporter.Handler()); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	fmt.Print("Testing connection...")
	if _, err := client.Get(ctx, "test-connection-key"); err != nil {
		fmt.Printf(" failed: %v\n", err)
		fmt.Printf("Make sure the cluster is reachable at %s\n", *bootstrap)
		return
	}
	fmt.Println(" success!")
	fmt.Println()

	if *operation == "all" {
		for _, op := range operations {
			fmt.Printf("\n--- Running %s benchmark ---\n", op.name)
			printResult(runOperation(ctx, client, op, *duration, *concurrency))
			time.Sleep(500 * time.Millisecond)
		}
	} else {
		op, ok := lookupOperation(*operation)
		if !ok {
			log.Fatal().Msgf("Unknown operation: %s", *operation)
		}
		printResult(runOperation(ctx, client, op, *duration, *concurrency))
	}

	stats := client.Stats()
	fmt.Printf("Client retries: %d, shard misses: %d, ambiguous: %d\n", stats.Retries, stats.ShardMisses, stats.Ambiguous)
}
