// Command rest-pipeline loads the resources of a REST API described by a
// pipeline document into a destination.
//
//	rest-pipeline -config pipelines/pokemon.hcl -destination jsonl -data-dir ./data
//
// Environment: REDIS_URL enables the page cache and quota tracking (and is
// required for the redis destination), LOG_LEVEL and LOG_PRETTY configure
// logging, METRICS_ADDR serves Prometheus metrics, DATA_DIR is the default
// JSONL directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Sternrassler/rest-pipeline/pkg/config"
	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/Sternrassler/rest-pipeline/pkg/metrics"
	"github.com/Sternrassler/rest-pipeline/pkg/pipeline"
	"github.com/Sternrassler/rest-pipeline/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Getenv); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Error().Err(err).Msg("Pipeline failed")
		}
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	envFile     string
	destination string
	dataset     string
	dataDir     string
	redisURL    string
	metricsAddr string
	checkOnly   bool
}

func parseFlags(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("rest-pipeline", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "pipeline document (.yaml, .yml or .hcl)")
	fs.StringVar(&opts.envFile, "env", ".env", "secrets file layered under the environment")
	fs.StringVar(&opts.destination, "destination", "", "memory, jsonl or redis (default: document destination, else jsonl)")
	fs.StringVar(&opts.dataset, "dataset", "", "dataset name (default: document dataset)")
	fs.StringVar(&opts.dataDir, "data-dir", getEnv(getenv, "DATA_DIR", "data"), "JSONL destination directory")
	fs.StringVar(&opts.redisURL, "redis", getenv("REDIS_URL"), "Redis address or redis:// URL")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", getenv("METRICS_ADDR"), "serve Prometheus metrics on this address")
	fs.BoolVar(&opts.checkOnly, "check", false, "only run the connection check")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		return options{}, fmt.Errorf("-config is required")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string) error {
	opts, err := parseFlags(args, getenv)
	if err != nil {
		return err
	}

	logging.Setup(logging.ConfigFromEnv(getenv))
	logger := logging.NewLogger("main")

	secrets, err := config.LoadSecrets(opts.envFile)
	if err != nil {
		return err
	}
	doc, err := config.Load(opts.configPath, secrets)
	if err != nil {
		return err
	}

	pcfg := doc.PipelineConfig(sink.DestinationJSONL)
	if opts.destination != "" {
		pcfg.Destination = opts.destination
	}
	if opts.dataset != "" {
		pcfg.Dataset = opts.dataset
	}

	var rdb *redis.Client
	if opts.redisURL != "" {
		rdb, err = connectRedis(ctx, opts.redisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Str("redis", opts.redisURL).Msg("Connected to Redis")
	}

	if opts.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, opts.metricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	source, apiClient, err := doc.NewSource(ctx, rdb)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	s, err := sink.Open(pcfg.Destination, sink.Options{Dir: opts.dataDir, Redis: rdb})
	if err != nil {
		return err
	}
	p, err := pipeline.New(pcfg, s)
	if err != nil {
		s.Close()
		return err
	}
	defer p.Close()

	if opts.checkOnly {
		if source.Checker == nil {
			return fmt.Errorf("%s has no check_connection endpoint", opts.configPath)
		}
		if err := p.Check(ctx, source); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "connection to %s ok (probe %q)\n", doc.Name, source.Probe)
		return nil
	}

	info, err := p.Run(ctx, source)
	if info != nil {
		fmt.Fprintln(stdout, info)
	}
	return err
}

func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var redisOpts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: addr}
	}

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func getEnv(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}
