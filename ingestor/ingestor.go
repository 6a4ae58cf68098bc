package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/baldanca/hog-ingestor/batcher"
	"github.com/baldanca/hog-ingestor/ratelimit"
	"github.com/baldanca/hog-ingestor/record"
	"github.com/baldanca/hog-ingestor/retry"
	"github.com/baldanca/hog-ingestor/sink"
	"github.com/baldanca/hog-ingestor/source"
	"github.com/baldanca/hog-ingestor/transformer"
)

// DecodeFailurePolicy decides what happens to a delivery whose payload cannot
// be decoded. Such deliveries never enter a batch.
type DecodeFailurePolicy string

const (
	// DecodeReject nacks the delivery right away, without requeue.
	DecodeReject DecodeFailurePolicy = "reject"
	// DecodeAbandon leaves the delivery unresolved. It occupies a prefetch
	// slot until the connection drops and the broker redelivers it.
	DecodeAbandon DecodeFailurePolicy = "abandon"
)

func (p DecodeFailurePolicy) valid() bool {
	return p == DecodeReject || p == DecodeAbandon
}

type Config struct {
	Batch batcher.Config

	DecodeFailure DecodeFailurePolicy
	// NackRequeue is passed to Nack when a batch exhausts its write attempts.
	NackRequeue bool
	// ShutdownTimeout bounds the final flush once Run's context is canceled.
	ShutdownTimeout time.Duration

	WriteAttempts  int
	WriteBaseDelay time.Duration
	// FlushesPerSecond caps how often batches are written. <= 0 disables it.
	FlushesPerSecond float64
}

var DefaultConfig = Config{
	Batch:            batcher.DefaultConfig,
	DecodeFailure:    DecodeReject,
	ShutdownTimeout:  10 * time.Second,
	WriteAttempts:    5,
	WriteBaseDelay:   500 * time.Millisecond,
	FlushesPerSecond: ratelimit.DefaultPerSecond,
}

func (c Config) validate() error {
	if !c.DecodeFailure.valid() {
		return fmt.Errorf("unknown decode failure policy %q", c.DecodeFailure)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("ShutdownTimeout must be > 0")
	}
	if c.WriteAttempts < 1 {
		return errors.New("WriteAttempts must be >= 1")
	}
	if c.WriteBaseDelay < 0 {
		return errors.New("WriteBaseDelay must be >= 0")
	}
	return nil
}

// Ingestor drains a Sourcer into a Sinkr in batches.
//
// Every delivery that made it into a batch is acked once the batch is
// persisted, or nacked once the batch exhausts its write attempts.
type Ingestor struct {
	cfg Config

	source      source.Sourcer
	transformer transformer.Transformer[record.Hog]
	sink        sink.Sinkr

	limiter ratelimit.Limiter
	retry   retry.Policy
	acks    source.AckGroup

	batcher *batcher.Batcher[record.Hog]

	logger *slog.Logger
	now    func() time.Time
}

func NewIngestor(
	cfg Config,
	src source.Sourcer,
	tr transformer.Transformer[record.Hog],
	sk sink.Sinkr,
	logger *slog.Logger,
) (*Ingestor, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if sk == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b, err := batcher.NewBatcher[record.Hog](cfg.Batch, time.Now())
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.FlushesPerSecond > 0 {
		limiter = ratelimit.New(cfg.FlushesPerSecond, 0)
	}

	return &Ingestor{
		cfg:         cfg,
		source:      src,
		transformer: tr,
		sink:        sk,
		limiter:     limiter,
		retry: retry.Retry{
			Attempts: cfg.WriteAttempts,
			Delay:    retry.Linear(cfg.WriteBaseDelay),
		},
		acks:    source.AckGroup{Requeue: cfg.NackRequeue, Logger: logger},
		batcher: b,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func NewDefaultIngestor(
	src source.Sourcer,
	tr transformer.Transformer[record.Hog],
	sk sink.Sinkr,
	logger *slog.Logger,
) (*Ingestor, error) {
	return NewIngestor(DefaultConfig, src, tr, sk, logger)
}

func (i *Ingestor) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		i.retry = retry.Nop{}
		return
	}
	i.retry = p
}

func (i *Ingestor) SetLimiter(l ratelimit.Limiter) {
	if l == nil {
		i.limiter = ratelimit.Unlimited{}
		return
	}
	i.limiter = l
}

// Run consumes deliveries until the source closes or ctx is canceled.
//
// A closed delivery channel returns source.ErrClosed; buffered deliveries are
// left to broker redelivery. On cancellation the buffered batch is flushed
// once, bounded by ShutdownTimeout, and Run returns nil.
func (i *Ingestor) Run(ctx context.Context) error {
	interval := i.cfg.Batch.FlushInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deliveries := i.source.Deliveries()

	for {
		select {
		case <-ctx.Done():
			return i.flushRemainingOnStop(ctx)

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return i.flushRemainingOnStop(ctx)
				}
				if n := i.batcher.Len(); n > 0 {
					i.logger.Warn("subscription closed with buffered records", "batch_size", n)
				}
				return source.ErrClosed
			}
			if i.accept(ctx, d) {
				i.flush(ctx)
				ticker.Reset(interval)
			}

		case <-ticker.C:
			if i.batcher.ShouldFlushAt(i.now()) {
				i.flush(ctx)
				ticker.Reset(interval)
			}
		}
	}
}

// accept decodes one delivery and buffers it. It reports whether the size
// trigger fired.
func (i *Ingestor) accept(ctx context.Context, d source.Delivery) bool {
	rec, err := i.transformer.Transform(ctx, d.Body())
	if err != nil {
		i.logger.Warn("failed to decode delivery",
			"policy", string(i.cfg.DecodeFailure),
			"error", err)
		if i.cfg.DecodeFailure == DecodeReject {
			if err := d.Nack(context.WithoutCancel(ctx), false); err != nil {
				i.logger.Error("failed to reject delivery", "error", err)
			}
		}
		return false
	}
	return i.batcher.Offer(d, rec)
}

// flush writes the buffered batch and resolves its deliveries. A batch that
// was interrupted by cancellation is left unresolved for redelivery.
func (i *Ingestor) flush(ctx context.Context) {
	if i.batcher.Len() == 0 {
		return
	}
	batch := i.batcher.Flush(i.now())

	err := i.persist(ctx, batch.Records)

	// Resolution must reach the broker even while shutting down.
	resolveCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		res := i.acks.Resolve(resolveCtx, batch.Deliveries, source.OutcomeSuccess)
		i.logger.Debug("batch persisted",
			"batch_size", batch.Len(),
			"acked", res.Resolved,
			"ack_failures", res.Failed)

	case ctx.Err() != nil && !isExhausted(err):
		i.logger.Warn("batch write interrupted",
			"batch_size", batch.Len(),
			"error", err)

	default:
		res := i.acks.Resolve(resolveCtx, batch.Deliveries, source.OutcomeFailure)
		i.logger.Error("failed to persist batch",
			"batch_size", batch.Len(),
			"nacked", res.Resolved,
			"nack_failures", res.Failed,
			"error", err)
	}
}

// persist takes one flush permit and writes the whole batch, re-stamping
// created_at before every attempt.
func (i *Ingestor) persist(ctx context.Context, records []record.Hog) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for flush permit: %w", err)
	}

	attempt := 0
	return i.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		record.StampCreated(records, i.now())
		if err := i.sink.InsertMany(ctx, records); err != nil {
			i.logger.Warn("batch write attempt failed",
				"attempt", attempt,
				"batch_size", len(records),
				"error", err)
			return err
		}
		return nil
	})
}

func (i *Ingestor) flushRemainingOnStop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.ShutdownTimeout)
	defer cancel()

	i.flush(stopCtx)
	return nil
}

func isExhausted(err error) bool {
	var ee *retry.ExhaustedError
	return errors.As(err, &ee)
}
