package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/baldanca/hog-ingestor/retry"
)

// SQSConfig tunes the SQS transport. Receivers*BatchSize messages can be in
// flight per receive round; Prefetch bounds how many of them wait for the
// consumer.
type SQSConfig struct {
	WaitSeconds       int32
	BatchSize         int32
	VisibilitySeconds int32
	Receivers         int
	Prefetch          int

	// RejectVisibilitySeconds is applied when a delivery is nacked without
	// requeue, leaving the redrive policy to dead-letter it. Nil leaves the
	// message alone until its visibility timeout runs out.
	RejectVisibilitySeconds *int32

	// LeaseEvery renews the visibility of every received message that is not
	// yet acked or nacked back to VisibilitySeconds. Zero disables renewal.
	LeaseEvery time.Duration
	// LeaseMax stops renewing a message this long after it was received.
	LeaseMax time.Duration
}

var DefaultSQSConfig = SQSConfig{
	WaitSeconds:       20,
	BatchSize:         10,
	VisibilitySeconds: 30,
	Receivers:         3,
	Prefetch:          256,
	LeaseEvery:        10 * time.Second,
	LeaseMax:          15 * time.Minute,
}

func (c SQSConfig) check() error {
	switch {
	case c.WaitSeconds < 0 || c.WaitSeconds > 20:
		return fmt.Errorf("sqs wait seconds %d outside [0,20]", c.WaitSeconds)
	case c.BatchSize < 1 || c.BatchSize > 10:
		return fmt.Errorf("sqs batch size %d outside [1,10]", c.BatchSize)
	case c.VisibilitySeconds < 0:
		return errors.New("sqs visibility seconds must not be negative")
	case c.Receivers < 1:
		return errors.New("sqs needs at least one receiver")
	case c.Prefetch < 1:
		return errors.New("sqs prefetch must be at least 1")
	case c.RejectVisibilitySeconds != nil && *c.RejectVisibilitySeconds < 0:
		return errors.New("sqs reject visibility seconds must not be negative")
	case c.LeaseEvery < 0 || c.LeaseMax < 0:
		return errors.New("sqs lease durations must not be negative")
	case c.LeaseEvery > 0 && time.Duration(c.VisibilitySeconds)*time.Second <= c.LeaseEvery:
		return fmt.Errorf("sqs lease every %s does not renew within the %ds visibility timeout", c.LeaseEvery, c.VisibilitySeconds)
	case c.LeaseEvery > 0 && c.LeaseMax < c.LeaseEvery:
		return errors.New("sqs lease max must be at least lease every")
	}
	return nil
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// maxVisibilityBatch is the SQS limit on entries per batch call.
const maxVisibilityBatch = 10

// SourceSQS feeds hog messages from an SQS queue. Deliveries closes once every
// receiver has stopped.
//
// Messages are leased from receipt until they are acked or nacked, whether
// they still sit in the Deliveries buffer or are held in a batch being
// written.
type SourceSQS struct {
	cfg      SQSConfig
	logger   *slog.Logger
	client   sqsAPI
	queueURL *string

	out      chan Delivery
	stop     context.CancelFunc
	stopOnce sync.Once
	running  sync.WaitGroup

	heldMu sync.Mutex
	held   map[*sqsMessage]struct{}
}

// NewSQS starts cfg.Receivers long-polling goroutines. They run until Close
// or until ctx is done.
func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SQSConfig, logger *slog.Logger) *SourceSQS {
	s := newSQS(client, queueURL, cfg, logger)
	s.start(ctx)
	return s
}

func newSQS(client sqsAPI, queueURL string, cfg SQSConfig, logger *slog.Logger) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("sqs queue url is required")
	}
	if err := cfg.check(); err != nil {
		panic(err.Error())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceSQS{
		cfg:      cfg,
		logger:   logger.With("queue_url", queueURL),
		client:   client,
		queueURL: aws.String(queueURL),
		out:      make(chan Delivery, cfg.Prefetch),
		stop:     func() {},
		held:     make(map[*sqsMessage]struct{}),
	}
}

func (s *SourceSQS) start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.running.Add(s.cfg.Receivers)
	for range s.cfg.Receivers {
		go s.receive(ctx)
	}
	if s.cfg.LeaseEvery > 0 {
		s.running.Add(1)
		go s.lease(ctx)
	}
	go func() {
		s.running.Wait()
		close(s.out)
	}()
}

func (s *SourceSQS) receive(ctx context.Context) {
	defer s.running.Done()

	wait := retry.Exponential(250*time.Millisecond, 10*time.Second)
	failed := 0
	for ctx.Err() == nil {
		msgs, err := s.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			pause := wait(failed)
			s.logger.Warn("SQS receive failed", "failures", failed, "retry_in", pause, "error", err)
			if !sleep(ctx, pause) {
				return
			}
			continue
		}
		failed = 0

		for _, m := range msgs {
			d := s.hold(m)
			select {
			case s.out <- d:
			case <-ctx.Done():
				s.release(d)
				return
			}
		}
	}
}

func (s *SourceSQS) poll(ctx context.Context) ([]sqstypes.Message, error) {
	// the long poll may hold the request for WaitSeconds
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitSeconds+5)*time.Second)
	defer cancel()

	res, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              s.queueURL,
		MaxNumberOfMessages:   s.cfg.BatchSize,
		WaitTimeSeconds:       s.cfg.WaitSeconds,
		VisibilityTimeout:     s.cfg.VisibilitySeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *SourceSQS) hold(m sqstypes.Message) *sqsMessage {
	d := &sqsMessage{src: s, msg: m, received: time.Now()}
	s.heldMu.Lock()
	s.held[d] = struct{}{}
	s.heldMu.Unlock()
	return d
}

func (s *SourceSQS) release(d *sqsMessage) {
	s.heldMu.Lock()
	delete(s.held, d)
	s.heldMu.Unlock()
}

// leased returns the messages still due a renewal at now and forgets the
// ones held longer than LeaseMax.
func (s *SourceSQS) leased(now time.Time) []*sqsMessage {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()

	out := make([]*sqsMessage, 0, len(s.held))
	for d := range s.held {
		if now.Sub(d.received) > s.cfg.LeaseMax {
			delete(s.held, d)
			s.logger.Warn("SQS message held past lease max, it will become visible again",
				"message_id", aws.ToString(d.msg.MessageId))
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *SourceSQS) lease(ctx context.Context) {
	defer s.running.Done()

	t := time.NewTicker(s.cfg.LeaseEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			msgs := s.leased(now)
			if len(msgs) == 0 {
				continue
			}
			if err := s.extend(ctx, msgs, s.cfg.VisibilitySeconds); err != nil && ctx.Err() == nil {
				s.logger.Warn("SQS visibility renewal failed", "messages", len(msgs), "error", err)
			}
		}
	}
}

// extend sets the visibility timeout of msgs in chunks of maxVisibilityBatch.
func (s *SourceSQS) extend(ctx context.Context, msgs []*sqsMessage, seconds int32) error {
	var errs []error
	for start := 0; start < len(msgs); start += maxVisibilityBatch {
		chunk := msgs[start:min(start+maxVisibilityBatch, len(msgs))]
		entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, d := range chunk {
			entries[i] = sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     d.msg.ReceiptHandle,
				VisibilityTimeout: seconds,
			}
		}

		res, err := s.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: s.queueURL,
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range res.Failed {
			errs = append(errs, fmt.Errorf("entry %s: %s: %s", aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message)))
		}
	}
	return errors.Join(errs...)
}

func (s *SourceSQS) Deliveries() <-chan Delivery { return s.out }

// Close stops the receivers and lease renewal. Messages already received but
// never resolved reappear on the queue after their visibility timeout.
func (s *SourceSQS) Close() error {
	s.stopOnce.Do(func() { s.stop() })
	return nil
}

type sqsMessage struct {
	src      *SourceSQS
	msg      sqstypes.Message
	received time.Time
}

func (m *sqsMessage) Body() []byte { return []byte(aws.ToString(m.msg.Body)) }

func (m *sqsMessage) Ack(ctx context.Context) error {
	m.src.release(m)
	_, err := m.src.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      m.src.queueURL,
		ReceiptHandle: m.msg.ReceiptHandle,
	})
	return err
}

// Nack with requeue makes the message visible again right away. Without
// requeue it applies RejectVisibilitySeconds when set and is a no-op otherwise.
func (m *sqsMessage) Nack(ctx context.Context, requeue bool) error {
	m.src.release(m)

	var visibility int32
	if !requeue {
		if m.src.cfg.RejectVisibilitySeconds == nil {
			return nil
		}
		visibility = *m.src.cfg.RejectVisibilitySeconds
	}

	_, err := m.src.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          m.src.queueURL,
		ReceiptHandle:     m.msg.ReceiptHandle,
		VisibilityTimeout: visibility,
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// the visibility timeout will expire on its own
		return nil
	}
	return err
}
