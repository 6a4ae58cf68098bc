// Command hog-publish enqueues log entries read from stdin, one JSON object
// per line, the same way the ingestion API does.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baldanca/hog-ingestor/config"
	"github.com/baldanca/hog-ingestor/record"
	"github.com/baldanca/hog-ingestor/source"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial := source.DefaultAMQPDialConfig
	dial.URL = cfg.Queue.URI
	dial.Attempts = cfg.Queue.ConnectAttempts
	dial.Delay = cfg.Queue.ConnectDelay

	conn, ch, err := source.DialAMQP(ctx, dial, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if cfg.Queue.Declare {
		if _, err := ch.QueueDeclare(cfg.Queue.Name, true, false, false, false, nil); err != nil {
			slog.Error("Failed to declare queue", "queue", cfg.Queue.Name, "error", err)
			os.Exit(1)
		}
	}

	pub := source.NewPublisherAMQP(ch, cfg.Queue.Name)
	n, err := publishLines(ctx, os.Stdin, pub, time.Now)
	if err != nil {
		slog.Error("Publish failed", "published", n, "error", err)
		os.Exit(1)
	}
	slog.Info("Published", "count", n, "queue", cfg.Queue.Name)
}

type publisher interface {
	Publish(ctx context.Context, h record.Hog) error
}

// publishLines publishes every non-empty line of r. Entries without a
// log_timestamp get the current time.
func publishLines(ctx context.Context, r io.Reader, pub publisher, now func() time.Time) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	n, line := 0, 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}

		var e record.Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if e.LogTimestamp.IsZero() {
			e.LogTimestamp = now().UTC()
		}

		h := record.NewHog(e, now())
		if err := h.Validate(); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := pub.Publish(ctx, h); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
