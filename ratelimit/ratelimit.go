package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// DefaultPerSecond is the flush rate used when none is configured.
const DefaultPerSecond = 400

// Limiter gates operations. Wait blocks until a permit is available and only
// fails when ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket grants one permit per operation from a bucket refilled at a
// fixed rate.
type TokenBucket struct {
	l *rate.Limiter
}

// New creates a token bucket refilled perSecond times per second. burst <= 0
// uses perSecond as the bucket size.
func New(perSecond float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &TokenBucket{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.l.Wait(ctx)
}

// Tokens reports the permits currently available.
func (t *TokenBucket) Tokens() float64 {
	return t.l.Tokens()
}

// Unlimited never delays.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
