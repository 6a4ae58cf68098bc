package source

import (
	"context"
	"log/slog"
)

// Outcome is the persistence result a batch of deliveries is resolved with.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ResolveResult counts how many deliveries were resolved and how many
// resolutions failed at the transport.
type ResolveResult struct {
	Resolved int
	Failed   int
}

// AckGroup resolves a batch of deliveries to a single outcome.
//
// Each delivery is resolved independently: a failing ack or nack is logged
// and the remaining deliveries are still resolved. Failures are not retried
// here; broker-side redelivery covers them.
type AckGroup struct {
	// Requeue is passed to Nack on OutcomeFailure.
	Requeue bool
	Logger  *slog.Logger
}

func (g AckGroup) Resolve(ctx context.Context, deliveries []Delivery, outcome Outcome) ResolveResult {
	var res ResolveResult
	for i, d := range deliveries {
		if d == nil {
			continue
		}

		var err error
		if outcome == OutcomeSuccess {
			err = d.Ack(ctx)
		} else {
			err = d.Nack(ctx, g.Requeue)
		}

		if err != nil {
			res.Failed++
			g.logger().Error("failed to resolve delivery",
				"outcome", outcome.String(),
				"position", i,
				"error", err)
			continue
		}
		res.Resolved++
	}
	return res
}

func (g AckGroup) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}
