package costgate

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/costgate/store"
)

const shop = "shpat_test_token"

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *fakeClock, *logtest.Hook) {
	t.Helper()
	clock := newFakeClock()
	logger, hook := logtest.NewNullLogger()
	base := []Option{
		WithClock(clock),
		WithLogger(logger),
		WithThrottleBackoff(0),
	}
	exec, err := NewExecutor(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec, clock, hook
}

func intPtr(v int) *int { return &v }

// scripted returns an Operation that replays outcomes and records the costs it saw.
func scripted(outcomes ...Outcome) (Operation, func() []int) {
	var mu sync.Mutex
	var costs []int
	op := func(_ context.Context, cost int) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		i := len(costs)
		costs = append(costs, cost)
		if i >= len(outcomes) {
			return outcomes[len(outcomes)-1], nil
		}
		return outcomes[i], nil
	}
	seen := func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), costs...)
	}
	return op, seen
}

func throttledOutcome() Outcome {
	return Outcome{
		Throttled: true,
		Feedback: &Feedback{
			RequestedCost: 100,
			Maximum:       1000,
			Available:     1000,
			RefillRate:    50,
		},
	}
}

type recordedMetrics struct {
	mu         sync.Mutex
	admissions []string
	attempts   []AttemptResult
}

func (m *recordedMetrics) RecordAdmission(identity string, cost int, waited time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions = append(m.admissions, identity)
}

func (m *recordedMetrics) RecordAttempt(identity string, result AttemptResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, result)
}

func (m *recordedMetrics) results() []AttemptResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AttemptResult(nil), m.attempts...)
}

func TestNewExecutor_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "zero max attempts", opt: WithMaxAttempts(0)},
		{name: "zero maximum", opt: WithDefaults(0, 50)},
		{name: "zero refill rate", opt: WithDefaults(1000, 0)},
		{name: "negative backoff", opt: WithThrottleBackoff(-time.Second)},
		{name: "zero idle timeout", opt: WithIdleTimeout(0)},
		{name: "zero unknown cost", opt: WithUnknownCost(0)},
		{name: "nil logger", opt: WithLogger(nil)},
		{name: "nil metrics", opt: WithMetrics(nil)},
		{name: "nil peer store", opt: WithPeerStore(nil)},
		{name: "nil clock", opt: WithClock(nil)},
		{name: "nil config", opt: WithConfig(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(tt.opt)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewExecutor() error = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestExecutor_RunSucceeds(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, costs := scripted(Outcome{})

	outcome, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)
	assert.False(t, outcome.Throttled)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, []int{100}, costs())

	b, ok := exec.Bucket(shop)
	require.True(t, ok)
	assert.Equal(t, 900.0, b.EstimatedAvailable())
}

func TestExecutor_RetriesThrottledUntilSuccess(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, costs := scripted(throttledOutcome(), throttledOutcome(), Outcome{})

	outcome, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)
	assert.False(t, outcome.Throttled)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Len(t, costs(), 3)
}

func TestExecutor_StopsAfterMaxAttempts(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, costs := scripted(throttledOutcome())

	outcome, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err, "a throttled final outcome is returned as is")
	assert.True(t, outcome.Throttled)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Len(t, costs(), 3)
}

func TestExecutor_ThrottledErrorIsRetried(t *testing.T) {
	exec, _, _ := newTestExecutor(t, WithMaxAttempts(2))

	calls := 0
	feedback := throttledOutcome().Feedback
	op := func(context.Context, int) (Outcome, error) {
		calls++
		return Outcome{}, &ThrottledError{Feedback: feedback, Err: errors.New("Throttled")}
	}

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.Error(t, err)
	assert.True(t, IsThrottled(err))
	assert.Equal(t, 2, calls)
}

func TestExecutor_ThrottledErrorKeepsOutcomeFeedback(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	calls := 0
	op := func(context.Context, int) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{Feedback: &Feedback{
				RequestedCost: 100,
				Maximum:       1000,
				Available:     200,
				RefillRate:    50,
			}}, &ThrottledError{Err: errors.New("Throttled")}
		}
		return Outcome{}, nil
	}

	outcome, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)

	// Reconciled to the server's 200 after the first attempt, then charged again
	b, _ := exec.Bucket(shop)
	assert.InDelta(t, 100, b.EstimatedAvailable(), 1e-9)
}

func TestExecutor_ThrottledThenSucceededReconcilesBoth(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, costs := scripted(
		Outcome{Throttled: true, Feedback: &Feedback{
			RequestedCost: 100,
			ActualCost:    nil,
			Maximum:       1000,
			Available:     300,
			RefillRate:    50,
		}},
		Outcome{Feedback: &Feedback{
			RequestedCost: 100,
			ActualCost:    intPtr(60),
			Maximum:       1000,
			Available:     250,
			RefillRate:    50,
		}},
	)

	outcome, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)
	assert.False(t, outcome.Throttled)
	assert.Equal(t, []int{100, 100}, costs())

	// First attempt: min(server 300, local 900) = 300, then 200 after the retry
	// is admitted. Second: min(server 250, local 200 + refund 40).
	b, _ := exec.Bucket(shop)
	serverAvailable, localEstimate := 250.0, 240.0
	assert.InDelta(t, math.Min(serverAvailable, localEstimate), b.EstimatedAvailable(), 1e-9)
}

func TestExecutor_OtherErrorsAreNotRetried(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	boom := errors.New("boom")

	calls := 0
	op := func(context.Context, int) (Outcome, error) {
		calls++
		return Outcome{}, boom
	}

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	// The admitted cost is not refunded
	b, _ := exec.Bucket(shop)
	assert.Equal(t, 900.0, b.EstimatedAvailable())
}

func TestExecutor_Reconciliation(t *testing.T) {
	tests := []struct {
		name          string
		actual        *int
		maximum       float64
		available     float64
		wantAvailable float64
		wantMaximum   float64
	}{
		{name: "server tighter than estimate", actual: intPtr(100), maximum: 1000, available: 500, wantAvailable: 500, wantMaximum: 1000},
		{name: "estimate tighter than server", actual: intPtr(100), maximum: 1000, available: 950, wantAvailable: 900, wantMaximum: 1000},
		{name: "refund of unused cost", actual: intPtr(60), maximum: 1000, available: 950, wantAvailable: 940, wantMaximum: 1000},
		{name: "no actual cost means no refund", actual: nil, maximum: 1000, available: 1000, wantAvailable: 900, wantMaximum: 1000},
		{name: "server above maximum is clamped", actual: intPtr(0), maximum: 1000, available: 1200, wantAvailable: 1000, wantMaximum: 1000},
		{name: "server shrinks maximum", actual: intPtr(100), maximum: 500, available: 450, wantAvailable: 450, wantMaximum: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _, _ := newTestExecutor(t)
			op, _ := scripted(Outcome{Feedback: &Feedback{
				RequestedCost: 100,
				ActualCost:    tt.actual,
				Maximum:       tt.maximum,
				Available:     tt.available,
				RefillRate:    50,
			}})

			_, err := exec.Run(context.Background(), shop, 100, 0, op)
			require.NoError(t, err)

			b, _ := exec.Bucket(shop)
			assert.InDelta(t, tt.wantAvailable, b.EstimatedAvailable(), 1e-9)
			assert.Equal(t, tt.wantMaximum, b.Maximum())
		})
	}
}

func TestReconciledAvailable(t *testing.T) {
	fb := &Feedback{Maximum: 100, Available: 80, RefillRate: 10}

	assert.Equal(t, 50.0, ReconciledAvailable(40, 10, fb))
	assert.Equal(t, 80.0, ReconciledAvailable(95, 0, fb))
	assert.Equal(t, 0.0, ReconciledAvailable(-20, 5, fb))
}

func TestExecutor_RequestedCostReplacesRetryCost(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	first := throttledOutcome()
	first.Feedback.RequestedCost = 300
	op, costs := scripted(first, Outcome{})

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 300}, costs())
}

func TestExecutor_InvalidFeedbackIsIgnored(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, _ := scripted(Outcome{Feedback: &Feedback{RequestedCost: 100, Maximum: 0, Available: 0, RefillRate: 0}})

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)

	b, _ := exec.Bucket(shop)
	assert.Equal(t, 1000.0, b.Maximum())
	assert.Equal(t, 900.0, b.EstimatedAvailable())
}

func TestExecutor_ZeroCostUsesUnknownCost(t *testing.T) {
	exec, _, _ := newTestExecutor(t, WithUnknownCost(75))
	op, costs := scripted(Outcome{})

	_, err := exec.Run(context.Background(), shop, 0, 0, op)
	require.NoError(t, err)
	assert.Equal(t, []int{75}, costs())
}

func TestExecutor_ValidationErrors(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, costs := scripted(Outcome{})

	_, err := exec.Run(context.Background(), "", 10, 0, op)
	require.ErrorIs(t, err, ErrMissingIdentity)

	_, err = exec.Run(context.Background(), shop, 10, 0, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = exec.Run(context.Background(), shop, 1001, 0, op)
	require.ErrorIs(t, err, ErrCostExceedsMaximum)

	_, err = exec.Run(context.Background(), shop, -1, 0, op)
	require.ErrorIs(t, err, ErrInvalidCost)

	assert.Empty(t, costs())
}

func TestExecutor_CancelledWhileQueued(t *testing.T) {
	metrics := &recordedMetrics{}
	exec, _, _ := newTestExecutor(t, WithMetrics(metrics))
	op, costs := scripted(Outcome{})

	b, _, err := exec.Registry().Get(shop, nil)
	require.NoError(t, err)
	require.NoError(t, b.SetState(1000, 50, 0))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := exec.Run(ctx, shop, 100, 0, op)
		result <- err
	}()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, eventually, tick)

	cancel()
	require.ErrorIs(t, receive(t, result), context.Canceled)
	assert.Empty(t, costs())
	assert.Equal(t, 0.0, b.EstimatedAvailable())
	assert.Equal(t, []AttemptResult{AttemptCancelled}, metrics.results())
}

func TestExecutor_BackoffWaitsOnClock(t *testing.T) {
	exec, clock, _ := newTestExecutor(t, WithThrottleBackoff(time.Second))
	op, costs := scripted(throttledOutcome(), Outcome{})

	result := make(chan error, 1)
	go func() {
		_, err := exec.Run(context.Background(), shop, 100, 0, op)
		result <- err
	}()

	require.Eventually(t, func() bool { return clock.activeTimers() == 1 }, eventually, tick)
	assert.Len(t, costs(), 1)

	clock.Advance(time.Second)
	require.NoError(t, receive(t, result))
	assert.Len(t, costs(), 2)
}

func TestExecutor_BackoffIsCancellable(t *testing.T) {
	exec, clock, _ := newTestExecutor(t, WithThrottleBackoff(time.Second))
	op, costs := scripted(throttledOutcome())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := exec.Run(ctx, shop, 100, 0, op)
		result <- err
	}()

	require.Eventually(t, func() bool { return clock.activeTimers() == 1 }, eventually, tick)
	cancel()
	require.ErrorIs(t, receive(t, result), context.Canceled)
	assert.Len(t, costs(), 1)
}

func TestExecutor_SharesCapacityThroughPeerStore(t *testing.T) {
	peers := store.NewMemoryStore()
	clock := newFakeClock()
	logger, _ := logtest.NewNullLogger()

	first, err := NewExecutor(WithClock(clock), WithLogger(logger), WithPeerStore(peers))
	require.NoError(t, err)
	op, _ := scripted(Outcome{Feedback: &Feedback{RequestedCost: 100, ActualCost: intPtr(100), Maximum: 1000, Available: 400, RefillRate: 50}})

	_, err = first.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)

	shared, err := peers.Get(context.Background(), shop)
	require.NoError(t, err)
	require.NotNil(t, shared)
	assert.Equal(t, 400.0, shared.Available)

	// A second process starts from the shared state, not from a full bucket
	second, err := NewExecutor(WithClock(clock), WithLogger(logger), WithPeerStore(peers))
	require.NoError(t, err)
	noop, _ := scripted(Outcome{})
	_, err = second.Run(context.Background(), shop, 100, 0, noop)
	require.NoError(t, err)

	b, _ := second.Bucket(shop)
	assert.Equal(t, 300.0, b.EstimatedAvailable())
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	metrics := &recordedMetrics{}
	exec, _, _ := newTestExecutor(t, WithMetrics(metrics))
	op, _ := scripted(throttledOutcome(), Outcome{})

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)

	assert.Equal(t, []AttemptResult{AttemptThrottled, AttemptSucceeded}, metrics.results())
	assert.Equal(t, []string{Fingerprint(shop), Fingerprint(shop)}, metrics.admissions)
}

func TestExecutor_ThrottleWarningIsSampled(t *testing.T) {
	exec, _, hook := newTestExecutor(t)
	op, _ := scripted(throttledOutcome())

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)

	var warnings []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings = append(warnings, entry)
		}
	}
	require.Len(t, warnings, 1)
	assert.Equal(t, "unexpected throttling, retrying", warnings[0].Message)
	assert.Equal(t, Fingerprint(shop), warnings[0].Data["identity"])
	assert.NotEmpty(t, warnings[0].Data["call_id"])
}

func TestExecutor_OpportunisticSweep(t *testing.T) {
	exec, clock, _ := newTestExecutor(t)
	op, _ := scripted(Outcome{})

	_, err := exec.Run(context.Background(), "old-shop", 100, 0, op)
	require.NoError(t, err)

	clock.Advance(DefaultSweepInterval + time.Minute)
	_, err = exec.Run(context.Background(), "new-shop", 100, 0, op)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := exec.Bucket("old-shop")
		return !ok
	}, eventually, tick)
	_, ok := exec.Bucket("new-shop")
	assert.True(t, ok)
}

func TestExecutor_Snapshot(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	op, _ := scripted(Outcome{})

	_, err := exec.Run(context.Background(), shop, 100, 0, op)
	require.NoError(t, err)

	snaps := exec.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, Fingerprint(shop), snaps[0].Identity)
	assert.NotContains(t, snaps[0].Identity, shop)
	assert.Equal(t, 900.0, snaps[0].Available)
}

func TestExecutor_Close(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	require.NoError(t, exec.Close())

	op, _ := scripted(Outcome{})
	_, err := exec.Run(context.Background(), shop, 10, 0, op)
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestExecutor_IndependentIdentities(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				op, _ := scripted(Outcome{})
				if _, err := exec.Run(context.Background(), id, 100, 0, op); err != nil {
					t.Errorf("Run(%s) unexpected error: %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		b, ok := exec.Bucket(id)
		require.True(t, ok)
		assert.Equal(t, 500.0, b.EstimatedAvailable())
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("shpat_one")
	assert.Len(t, a, 12)
	assert.Equal(t, a, Fingerprint("shpat_one"))
	assert.NotEqual(t, a, Fingerprint("shpat_two"))
}
