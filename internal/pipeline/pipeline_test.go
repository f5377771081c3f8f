package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortline/sortline/internal/binding"
	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/internal/rules"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedWindow struct {
	window domain.BindingWindow
}

func (f *fixedWindow) Current() domain.BindingWindow { return f.window }

type fakeRuleSource struct {
	rules []domain.SortingRule
	err   error
}

func (f *fakeRuleSource) LoadEnabledRulesOrderedByPriority(ctx context.Context) ([]domain.SortingRule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (s *captureSink) Publish(ctx context.Context, event domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) assigned() []*domain.ChuteAssignedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ChuteAssignedEvent
	for _, e := range s.events {
		if a, ok := e.(*domain.ChuteAssignedEvent); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *captureSink) rejected() []*domain.BindingRejectedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BindingRejectedEvent
	for _, e := range s.events {
		if r, ok := e.(*domain.BindingRejectedEvent); ok {
			out = append(out, r)
		}
	}
	return out
}

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig("sortline-test")
	cfg.Level = logging.LevelError
	return logging.New(cfg)
}

type fixture struct {
	pipeline *Pipeline
	registry *registry.ParcelRegistry
	clock    *manualClock
	sink     *captureSink
	source   *fakeRuleSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	sink := &captureSink{}
	logger := testLogger()
	m := metrics.New(metrics.DefaultConfig("sortline-test"))

	source := &fakeRuleSource{rules: []domain.SortingRule{
		{RuleID: "R-JD", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD", TargetChute: "CH-1", Enabled: true},
		{RuleID: "R-SF", Priority: 2, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^SF", TargetChute: "CH-2", Enabled: true},
	}}

	windows := &fixedWindow{window: domain.BindingWindow{
		MinWait:          50 * time.Millisecond,
		MaxWait:          200 * time.Millisecond,
		ExceptionChuteID: "EXC-1",
		Enabled:          true,
	}}

	cache := rules.NewCache(source, clock, rules.DefaultCacheConfig(), logger, m)
	engine := rules.NewEngine(cache, logger, m)
	correlator := binding.NewCorrelator(reg, windows, clock, logger)

	p := New(reg, correlator, engine, windows, clock, sink, nil, logger, m, Config{
		QueueCapacity:      64,
		SupervisorInterval: 5 * time.Millisecond,
	})
	p.Start()
	t.Cleanup(p.Stop)

	return &fixture{pipeline: p, registry: reg, clock: clock, sink: sink, source: source}
}

func TestCreateAndBindFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted, err := f.pipeline.CreateParcel(ctx, "P-1", "CART-1", "")
	require.NoError(t, err)
	require.True(t, accepted)

	f.clock.advance(100 * time.Millisecond)

	accepted, err = f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: "P-1", Barcode: "JD8812"})
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	event := f.sink.assigned()[0]
	assert.Equal(t, "P-1", event.ParcelID)
	assert.Equal(t, "CH-1", event.Chute)
	assert.False(t, event.IsException)
	assert.Equal(t, int64(1), event.LaneOccupancyHint)

	assert.Nil(t, f.registry.Get("P-1"), "dispatched parcel leaves the working set")
	assert.Equal(t, int64(1), f.pipeline.Occupancy()["CH-1"])
}

func TestDuplicateCreateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted, err := f.pipeline.CreateParcel(ctx, "P-1", "CART-1", "")
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = f.pipeline.CreateParcel(ctx, "P-1", "CART-2", "")
	require.NoError(t, err)
	assert.False(t, accepted)

	assert.Equal(t, "CART-1", f.registry.Get("P-1").CartNumber, "duplicate must not change state")
}

func TestFifoDispatchOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		accepted, err := f.pipeline.CreateParcel(ctx, fmt.Sprintf("P-%d", i), "", "")
		require.NoError(t, err)
		require.True(t, accepted)
	}

	f.clock.advance(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{
			ParcelID: fmt.Sprintf("P-%d", i),
			Barcode:  "JD1",
		})
		require.NoError(t, err)
		require.True(t, accepted)
	}

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == n
	}, time.Second, time.Millisecond)

	for i, event := range f.sink.assigned() {
		assert.Equal(t, fmt.Sprintf("P-%d", i), event.ParcelID, "dispatch preserves acceptance order")
	}
}

func TestAtMostOneBind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.CreateParcel(ctx, "P-1", "", "")
	require.NoError(t, err)

	f.clock.advance(100 * time.Millisecond)

	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: "P-1", Barcode: "JD1"})
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: "P-1", Barcode: "JD2"})
	assert.False(t, accepted)
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	assert.Len(t, f.sink.rejected(), 1, "second reading lands in the audit trail")
	assert.Len(t, f.sink.assigned(), 1)
}

func TestTimeoutSupervisorRoutesToException(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.CreateParcel(ctx, "P-1", "CART-1", "")
	require.NoError(t, err)

	// Past maxWait with no reading
	f.clock.advance(250 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	event := f.sink.assigned()[0]
	assert.Equal(t, "P-1", event.ParcelID)
	assert.Equal(t, "EXC-1", event.Chute)
	assert.True(t, event.IsException)

	assert.Nil(t, f.registry.Get("P-1"))

	// A late reading for the timed-out parcel is rejected
	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: "P-1"})
	assert.False(t, accepted)
	assert.ErrorIs(t, err, domain.ErrParcelNotFound)
}

func TestRuleSourceDownRoutesToException(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.pipeline.CreateParcel(ctx, "P-1", "", "")
	require.NoError(t, err)

	f.clock.advance(100 * time.Millisecond)

	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: "P-1", Barcode: "JD1"})
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	event := f.sink.assigned()[0]
	assert.Equal(t, "EXC-1", event.Chute, "no rule set available fails closed onto the exception chute")
	assert.True(t, event.IsException)
}

func TestUncorrelatedReadingAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{Barcode: "JD1"})
	assert.False(t, accepted)
	assert.ErrorIs(t, err, domain.ErrReadingOutsideWindow)

	require.Eventually(t, func() bool {
		return len(f.sink.rejected()) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, "outside_window", f.sink.rejected()[0].Reason)
}

func TestFallbackBindsOldestInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.CreateParcel(ctx, "P-OLD", "", "")
	require.NoError(t, err)

	f.clock.advance(60 * time.Millisecond)

	_, err = f.pipeline.CreateParcel(ctx, "P-NEW", "", "")
	require.NoError(t, err)

	f.clock.advance(60 * time.Millisecond)

	// P-OLD is 120ms old, P-NEW is 60ms: both in window, oldest wins
	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{Barcode: "SF99"})
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	event := f.sink.assigned()[0]
	assert.Equal(t, "P-OLD", event.ParcelID)
	assert.Equal(t, "CH-2", event.Chute)
}

func TestBindSwapsCopyInsteadOfMutating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.CreateParcel(ctx, "P-1", "CART-1", "")
	require.NoError(t, err)

	resident := f.registry.Get("P-1")
	require.NotNil(t, resident)
	assert.Equal(t, domain.StageAwaitingDws, resident.Stage, "pointer is published already awaiting measurement")

	f.clock.advance(100 * time.Millisecond)

	accepted, err := f.pipeline.ReceiveDws(ctx, domain.DwsReading{
		ParcelID: "P-1",
		Barcode:  "JD1",
		Weight:   decimal.NewFromInt(1200),
	})
	require.NoError(t, err)
	require.True(t, accepted)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	// Snapshot readers holding the pre-bind pointer must never observe the
	// consumer's writes
	assert.Equal(t, domain.StageAwaitingDws, resident.Stage)
	assert.Empty(t, resident.Barcode)
	assert.True(t, resident.Weight.IsZero())
}

func TestTimeoutRetiresCopyInsteadOfMutating(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.CreateParcel(context.Background(), "P-1", "CART-1", "")
	require.NoError(t, err)

	resident := f.registry.Get("P-1")
	require.NotNil(t, resident)

	f.clock.advance(250 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == 1
	}, time.Second, time.Millisecond)

	require.True(t, f.sink.assigned()[0].IsException)
	assert.Equal(t, domain.StageAwaitingDws, resident.Stage)
	assert.Empty(t, resident.TargetChute)
}

func TestConcurrentSignalsWithActiveSupervisor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 4
	const perWorker = 25

	done := make(chan struct{})
	go func() {
		// Walk the clock forward while signals are in flight so binds and
		// timeout sweeps interleave
		for i := 0; i < 60; i++ {
			select {
			case <-done:
				return
			default:
			}
			f.clock.advance(5 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("P-%d-%d", w, i)
				accepted, err := f.pipeline.CreateParcel(ctx, id, "", "")
				assert.NoError(t, err)
				assert.True(t, accepted)
				_, _ = f.pipeline.ReceiveDws(ctx, domain.DwsReading{ParcelID: id, Barcode: "JD1"})
			}
		}(w)
	}
	wg.Wait()
	close(done)

	// Whether a parcel bound or timed out, the claim set allows exactly one
	// dispatch per parcel
	require.Eventually(t, func() bool {
		return len(f.sink.assigned()) == workers*perWorker
	}, 2*time.Second, time.Millisecond)

	seen := make(map[string]int)
	for _, event := range f.sink.assigned() {
		seen[event.ParcelID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestCreateRolledBackWhenEnqueueCancelled(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	sink := &captureSink{}
	logger := testLogger()
	m := metrics.New(metrics.DefaultConfig("sortline-test"))

	source := &fakeRuleSource{}
	windows := &fixedWindow{window: domain.BindingWindow{
		MinWait: 0, MaxWait: time.Hour, ExceptionChuteID: "EXC-1", Enabled: true,
	}}

	cache := rules.NewCache(source, clock, rules.DefaultCacheConfig(), logger, m)
	engine := rules.NewEngine(cache, logger, m)
	correlator := binding.NewCorrelator(reg, windows, clock, logger)

	// Not started: the one-slot queue fills and stays full
	p := New(reg, correlator, engine, windows, clock, sink, nil, logger, m, Config{
		QueueCapacity:      1,
		SupervisorInterval: time.Hour,
	})

	ctx := context.Background()
	accepted, err := p.CreateParcel(ctx, "P-1", "", "")
	require.NoError(t, err)
	require.True(t, accepted)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	accepted, err = p.CreateParcel(cancelled, "P-2", "", "")
	require.Error(t, err)
	assert.False(t, accepted)

	assert.Nil(t, reg.Get("P-2"), "refused create must not stay resident")
	assert.NotNil(t, reg.Get("P-1"))
	assert.Equal(t, 1, reg.Len())
}

func TestStopDrainsAcceptedWork(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	sink := &captureSink{}
	logger := testLogger()
	m := metrics.New(metrics.DefaultConfig("sortline-test"))

	source := &fakeRuleSource{rules: []domain.SortingRule{
		{RuleID: "R", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: ".", TargetChute: "CH-1", Enabled: true},
	}}
	windows := &fixedWindow{window: domain.BindingWindow{
		MinWait: 0, MaxWait: time.Hour, ExceptionChuteID: "EXC-1", Enabled: true,
	}}

	cache := rules.NewCache(source, clock, rules.DefaultCacheConfig(), logger, m)
	engine := rules.NewEngine(cache, logger, m)
	correlator := binding.NewCorrelator(reg, windows, clock, logger)

	p := New(reg, correlator, engine, windows, clock, sink, nil, logger, m, Config{
		QueueCapacity:      64,
		SupervisorInterval: time.Hour,
	})
	p.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := p.CreateParcel(ctx, fmt.Sprintf("P-%d", i), "", "")
		require.NoError(t, err)
		accepted, err := p.ReceiveDws(ctx, domain.DwsReading{ParcelID: fmt.Sprintf("P-%d", i), Barcode: "X"})
		require.NoError(t, err)
		require.True(t, accepted)
	}

	p.Stop()

	assert.Len(t, sink.assigned(), 5, "every accepted item is processed before Stop returns")

	// Intake after Stop is refused and leaves nothing behind
	_, err := p.CreateParcel(ctx, "P-LATE", "", "")
	assert.Error(t, err)
	assert.Nil(t, reg.Get("P-LATE"))
}
