package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failing returns an operation that fails until it has been called okAfter
// times. okAfter <= 0 never succeeds.
func failing(okAfter int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if okAfter > 0 && calls >= okAfter {
			return nil
		}
		return err
	}, &calls
}

func TestNop_SingleCall(t *testing.T) {
	op, calls := failing(0, errors.New("write refused"))
	err := Nop{}.Do(context.Background(), op)
	assert.EqualError(t, err, "write refused")
	assert.Equal(t, 1, *calls)
}

func TestRetry_AttemptCounts(t *testing.T) {
	cases := []struct {
		name      string
		attempts  int
		okAfter   int
		wantCalls int
		wantErr   bool
	}{
		{name: "first attempt succeeds", attempts: 5, okAfter: 1, wantCalls: 1},
		{name: "third attempt succeeds", attempts: 10, okAfter: 3, wantCalls: 3},
		{name: "succeeds on last attempt", attempts: 5, okAfter: 5, wantCalls: 5},
		{name: "never succeeds", attempts: 4, okAfter: 0, wantCalls: 4, wantErr: true},
		{name: "zero attempts behaves as one", attempts: 0, okAfter: 0, wantCalls: 1, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, calls := failing(tc.okAfter, errors.New("mongo unavailable"))
			r := Retry{Attempts: tc.attempts, Delay: Constant(time.Nanosecond)}

			err := r.Do(context.Background(), op)
			assert.Equal(t, tc.wantCalls, *calls)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetry_ExhaustedKeepsLastError(t *testing.T) {
	last := errors.New("bulk write timeout")
	op, _ := failing(0, last)

	err := Retry{Attempts: 4}.Do(context.Background(), op)

	require.ErrorIs(t, err, last)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
}

func TestRetry_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, calls := failing(0, errors.New("unreachable"))

	err := Retry{Attempts: 10, Delay: Constant(time.Millisecond)}.Do(ctx, op)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, *calls)
}

func TestRetry_CanceledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry{Attempts: 3, Delay: Constant(time.Hour)}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("store down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetry_OnRetryGetsLinearWaits(t *testing.T) {
	type report struct {
		attempt int
		wait    time.Duration
	}
	var got []report
	r := Retry{
		Attempts: 5,
		Delay:    Linear(time.Microsecond),
		OnRetry: func(attempt int, _ error, wait time.Duration) {
			got = append(got, report{attempt, wait})
		},
	}
	op, _ := failing(0, errors.New("nope"))
	_ = r.Do(context.Background(), op)

	// no wait follows the final attempt
	want := []report{
		{1, time.Microsecond},
		{2, 2 * time.Microsecond},
		{3, 3 * time.Microsecond},
		{4, 4 * time.Microsecond},
	}
	assert.Equal(t, want, got)
}

func TestRetry_LinearGapsBetweenAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps")
	}
	base := 20 * time.Millisecond
	var stamps []time.Time

	_ = Retry{Attempts: 3, Delay: Linear(base)}.Do(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})

	require.Len(t, stamps, 3)
	for n := 1; n < len(stamps); n++ {
		assert.GreaterOrEqual(t, stamps[n].Sub(stamps[n-1]), time.Duration(n)*base, "gap after attempt %d", n)
	}
}

func TestDelayFuncs(t *testing.T) {
	ms := time.Millisecond
	exp := Exponential(10*ms, 50*ms)
	lin := Linear(500 * ms)
	con := Constant(ms)

	for n, want := range map[int][3]time.Duration{
		1: {10 * ms, 500 * ms, ms},
		2: {20 * ms, 1000 * ms, ms},
		3: {40 * ms, 1500 * ms, ms},
		4: {50 * ms, 2000 * ms, ms},
		5: {50 * ms, 2500 * ms, ms},
	} {
		assert.Equal(t, want[0], exp(n), "exponential(%d)", n)
		assert.Equal(t, want[1], lin(n), "linear(%d)", n)
		assert.Equal(t, want[2], con(n), "constant(%d)", n)
	}
}

func BenchmarkRetry_FirstTry(b *testing.B) {
	r := Retry{Attempts: 5, Delay: Linear(time.Nanosecond)}
	ctx := context.Background()
	op := func(context.Context) error { return nil }

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = r.Do(ctx, op)
	}
}
