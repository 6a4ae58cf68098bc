package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/baldanca/hog-ingestor/config"
	"github.com/baldanca/hog-ingestor/ingestor"
	"github.com/baldanca/hog-ingestor/sink"
	"github.com/baldanca/hog-ingestor/source"
	"github.com/baldanca/hog-ingestor/transformer"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		slog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sk, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	src, closeQueue, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	ing, err := ingestor.NewIngestor(cfg.Ingestor(), src, transformer.HogJSON{}, sk, logger)
	if err != nil {
		return err
	}

	logger.Info("Worker started",
		"mode", cfg.Mode,
		"queue_driver", cfg.Queue.Driver,
		"store_driver", cfg.Store.Driver,
		"batch_size", cfg.Batch.MaxItems,
		"flush_interval", cfg.Batch.FlushInterval,
		"prefetch", cfg.Queue.Prefetch)

	return ing.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sink.Sinkr, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		client, err := sink.ConnectMongo(ctx, sink.MongoConfig{
			URI:        cfg.Store.URI,
			Database:   cfg.Store.Database,
			Collection: cfg.Store.Collection,
			Attempts:   cfg.Store.ConnectAttempts,
			Delay:      cfg.Store.ConnectDelay,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("Failed to disconnect from store", "error", err)
			}
		}

		coll := client.Database(cfg.Store.Database).Collection(cfg.Store.Collection)
		if err := sink.EnsureMongoIndexes(ctx, coll.Indexes()); err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info("Using MongoDB store", "database", cfg.Store.Database, "collection", cfg.Store.Collection)
		return sink.NewMongo(coll), closeFn, nil

	case config.StoreBadger:
		s, err := sink.OpenBadger(cfg.Store.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using BadgerDB store", "dir", cfg.Store.BadgerDir)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close store", "error", err)
			}
		}, nil

	case config.StoreS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		logger.Info("Using S3 parquet archive", "bucket", cfg.Store.S3Bucket, "prefix", cfg.Store.S3Prefix)
		return sink.NewS3(s3.NewFromConfig(awsCfg), cfg.Store.S3Bucket, cfg.Store.S3Prefix, cfg.Store.S3Compression), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (source.Sourcer, func(), error) {
	switch cfg.Queue.Driver {
	case config.QueueAMQP:
		dial := source.DefaultAMQPDialConfig
		dial.URL = cfg.Queue.URI
		dial.Attempts = cfg.Queue.ConnectAttempts
		dial.Delay = cfg.Queue.ConnectDelay

		conn, ch, err := source.DialAMQP(ctx, dial, logger)
		if err != nil {
			return nil, nil, err
		}

		tag := cfg.ConsumerTag()
		src, err := source.NewAMQP(ch, source.SourceAMQPConfig{
			Queue:        cfg.Queue.Name,
			ConsumerTag:  tag,
			Prefetch:     cfg.Queue.Prefetch,
			DeclareQueue: cfg.Queue.Declare,
		})
		if err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
		logger.Info("Consuming from broker", "queue", cfg.Queue.Name, "consumer_tag", tag)

		return src, func() {
			_ = src.Close()
			if err := conn.Close(); err != nil {
				logger.Warn("Failed to close broker connection", "error", err)
			}
		}, nil

	case config.QueueSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		sqsCfg := source.DefaultSQSConfig
		sqsCfg.Prefetch = cfg.Queue.Prefetch

		// Receivers stop on Close, not on the run context.
		src := source.NewSQS(context.WithoutCancel(ctx), sqs.NewFromConfig(awsCfg), cfg.Queue.SQSQueueURL, sqsCfg, logger)
		logger.Info("Consuming from SQS", "queue_url", cfg.Queue.SQSQueueURL)
		return src, func() { _ = src.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
