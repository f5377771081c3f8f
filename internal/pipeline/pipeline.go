// Package pipeline sequences parcel lifecycle work onto a single consumer
// so that creation and DWS binding are processed in exact acceptance order.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sortline/sortline/internal/binding"
	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/internal/rules"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

// workKind discriminates pipeline work items
type workKind int

const (
	workCreate workKind = iota
	workBindDws
)

// workItem is the internal pipeline unit. Created and destroyed entirely
// inside the pipeline; never persisted.
type workItem struct {
	parcelID       string
	sequenceNumber uint64
	kind           workKind
	reading        *domain.DwsReading
}

// Config holds pipeline tuning
type Config struct {
	// QueueCapacity bounds the work channel; a full queue suspends callers
	// rather than dropping work
	QueueCapacity int
	// SupervisorInterval is the tick of the timeout supervisor
	SupervisorInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		QueueCapacity:      1000,
		SupervisorInterval: 50 * time.Millisecond,
	}
}

// Pipeline drives the per-parcel lifecycle state machine. All public entry
// points may be called concurrently; a single consumption goroutine drains
// the bounded work channel strictly in enqueue order, which is what gives
// the FIFO dispatch guarantee across producers.
//
// A parcel pointer is immutable once it is resident in the registry. Stage
// changes are applied to a copy which is published by pointer swap, so the
// correlator and the timeout supervisor can read registry snapshots without
// synchronizing with the consumer.
type Pipeline struct {
	registry   *registry.ParcelRegistry
	correlator *binding.Correlator
	engine     *rules.Engine
	windows    domain.BindingWindowSource
	clock      domain.Clock
	sink       domain.EventSink
	archive    domain.ParcelArchive
	logger     *logging.Logger
	metrics    *metrics.Metrics
	config     Config

	work chan workItem

	// sendMu protects the channel against send-after-close on shutdown:
	// producers hold the read side, Stop takes the write side
	sendMu sync.RWMutex
	closed bool

	// claims gives each parcel exactly one binder: either an accepted DWS
	// reading or the timeout supervisor, never both
	claims sync.Map // parcelId -> struct{}

	occupancyMu sync.Mutex
	occupancy   map[string]int64

	wg         sync.WaitGroup
	supervisor chan struct{}
}

// New creates a Pipeline
func New(
	reg *registry.ParcelRegistry,
	correlator *binding.Correlator,
	engine *rules.Engine,
	windows domain.BindingWindowSource,
	clock domain.Clock,
	sink domain.EventSink,
	archive domain.ParcelArchive,
	logger *logging.Logger,
	m *metrics.Metrics,
	config Config,
) *Pipeline {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if config.SupervisorInterval <= 0 {
		config.SupervisorInterval = DefaultConfig().SupervisorInterval
	}

	return &Pipeline{
		registry:   reg,
		correlator: correlator,
		engine:     engine,
		windows:    windows,
		clock:      clock,
		sink:       sink,
		archive:    archive,
		logger:     logger.WithComponent("pipeline"),
		metrics:    m,
		config:     config,
		work:       make(chan workItem, config.QueueCapacity),
		occupancy:  make(map[string]int64),
		supervisor: make(chan struct{}),
	}
}

// Start launches the consumption loop and the timeout supervisor
func (p *Pipeline) Start() {
	p.wg.Add(2)
	go p.consume()
	go p.supervise()
	p.logger.Info("Pipeline started",
		"queueCapacity", p.config.QueueCapacity,
		"supervisorIntervalMs", p.config.SupervisorInterval.Milliseconds(),
	)
}

// Stop closes the work channel for writing, waits for the consumer to drain
// every remaining item, and stops the supervisor. No accepted work item is
// dropped on shutdown.
func (p *Pipeline) Stop() {
	p.sendMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.sendMu.Unlock()

	close(p.supervisor)
	p.wg.Wait()
	p.logger.Info("Pipeline stopped")
}

// CreateParcel registers a sorter-announced parcel and enqueues its creation
// work. It returns false when the parcel id is already resident, with no
// state change. A full queue suspends the caller until the consumer drains
// space or ctx is cancelled; cancellation aborts only the enqueue attempt.
func (p *Pipeline) CreateParcel(ctx context.Context, parcelID, cartNumber, barcode string) (bool, error) {
	now := p.clock.Now()
	parcel := domain.NewParcel(parcelID, cartNumber, barcode, now)
	parcel.SequenceNumber = p.registry.NextSequence()

	// Advance before Insert: the pointer is read-only once published
	_ = parcel.Advance(domain.StageAwaitingDws, now)

	if !p.registry.Insert(parcel) {
		p.logger.Warn("Rejected duplicate parcel", "parcelId", parcelID)
		return false, nil
	}

	item := workItem{
		parcelID:       parcelID,
		sequenceNumber: parcel.SequenceNumber,
		kind:           workCreate,
	}
	if err := p.enqueue(ctx, item); err != nil {
		// The caller is told the parcel was not accepted, so it must not
		// stay resident either
		p.registry.Remove(parcelID)
		return false, err
	}

	p.metrics.ParcelsCreated.Inc()
	p.metrics.ParcelsInFlight.Set(float64(p.registry.Len()))
	return true, nil
}

// ReceiveDws correlates a DWS reading to a parcel and enqueues the binding
// work. The reading may carry an explicit parcel id or rely on the
// oldest-in-window fallback. Rejections return false together with the
// domain error that caused them; the rejected reading is published to the
// audit trail, never silently dropped.
func (p *Pipeline) ReceiveDws(ctx context.Context, reading domain.DwsReading) (bool, error) {
	parcel, err := p.correlator.Resolve(reading)
	if err != nil {
		p.rejectReading(ctx, reading, err)
		return false, err
	}

	if !p.claim(parcel.ParcelID) {
		// A previously accepted reading or the timeout supervisor already
		// owns this parcel
		p.rejectReading(ctx, reading, domain.ErrParcelNotAwaitingDws)
		return false, domain.ErrParcelNotAwaitingDws
	}

	item := workItem{
		parcelID:       parcel.ParcelID,
		sequenceNumber: parcel.SequenceNumber,
		kind:           workBindDws,
		reading:        &reading,
	}
	if err := p.enqueue(ctx, item); err != nil {
		p.unclaim(parcel.ParcelID)
		return false, err
	}
	return true, nil
}

// Occupancy returns a copy of the per-chute assignment counters
func (p *Pipeline) Occupancy() map[string]int64 {
	p.occupancyMu.Lock()
	defer p.occupancyMu.Unlock()

	out := make(map[string]int64, len(p.occupancy))
	for k, v := range p.occupancy {
		out[k] = v
	}
	return out
}

// QueueDepth returns the number of items waiting in the work channel
func (p *Pipeline) QueueDepth() int {
	return len(p.work)
}

func (p *Pipeline) enqueue(ctx context.Context, item workItem) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.closed {
		return context.Canceled
	}

	select {
	case p.work <- item:
		p.metrics.WorkQueueDepth.Set(float64(len(p.work)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) claim(parcelID string) bool {
	_, loaded := p.claims.LoadOrStore(parcelID, struct{}{})
	return !loaded
}

func (p *Pipeline) unclaim(parcelID string) {
	p.claims.Delete(parcelID)
}

// consume drains the work channel strictly in enqueue order. Faults are
// contained per item: one poisoned parcel must never halt the line.
func (p *Pipeline) consume() {
	defer p.wg.Done()

	for item := range p.work {
		p.metrics.WorkQueueDepth.Set(float64(len(p.work)))
		p.processItem(item)
	}
}

func (p *Pipeline) processItem(item workItem) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Panic(context.Background(), r)
		}
	}()

	ctx := context.Background()

	switch item.kind {
	case workCreate:
		p.processCreate(ctx, item)
	case workBindDws:
		p.processBindDws(ctx, item)
	}
}

func (p *Pipeline) processCreate(ctx context.Context, item workItem) {
	parcel := p.registry.Get(item.parcelID)
	if parcel == nil {
		// Removed before its creation work drained (administrative reset)
		p.logger.Warn("Create work for a parcel no longer resident", "parcelId", item.parcelID)
		return
	}

	p.publish(ctx, &domain.ParcelCreatedEvent{
		ParcelID:       parcel.ParcelID,
		CartNumber:     parcel.CartNumber,
		Barcode:        parcel.Barcode,
		SequenceNumber: parcel.SequenceNumber,
		CreatedAt:      parcel.CreatedAt,
	})
}

func (p *Pipeline) processBindDws(ctx context.Context, item workItem) {
	parcel := p.registry.Get(item.parcelID)
	if parcel == nil || parcel.Stage != domain.StageAwaitingDws {
		p.logger.Warn("Bind work for a parcel that is no longer awaiting measurement",
			"parcelId", item.parcelID,
		)
		return
	}

	now := p.clock.Now()
	reading := *item.reading

	// Resident parcels are read-only; bind onto a copy and swap it in
	bound := *parcel
	bound.FoldReading(reading, now)
	if err := bound.Advance(domain.StageBound, now); err != nil {
		p.logger.WithError(err).Error("Bind transition failed", "parcelId", bound.ParcelID)
		return
	}
	p.registry.Upsert(&bound)
	p.metrics.ParcelsBound.Inc()

	p.publish(ctx, &domain.DwsBoundEvent{
		ParcelID: bound.ParcelID,
		Reading:  reading,
		BoundAt:  now,
	})

	chute, matched, err := p.engine.Evaluate(ctx, &bound, &reading, nil)
	isException := false
	if err != nil {
		// Rule set unavailable with nothing cached: fail closed onto the
		// exception chute rather than sorting blind
		window := p.windows.Current()
		chute = window.ExceptionChuteID
		isException = true
		p.logger.WithError(err).Error("Rule evaluation unavailable, routing to exception chute",
			"parcelId", bound.ParcelID,
			"exceptionChute", chute,
		)
	} else if !matched {
		p.logger.Warn("No sorting rule matched", "parcelId", bound.ParcelID, "barcode", bound.Barcode)
	}

	// The bound copy is published now, so the terminal stages go onto a
	// fresh private copy
	final := bound
	final.TargetChute = chute
	now = p.clock.Now()
	_ = final.Advance(domain.StageEvaluated, now)
	_ = final.Advance(domain.StageDispatched, now)

	p.dispatch(ctx, &final, chute, isException, now)
}

// dispatch emits the single chute-assignment event shape used by both
// normal and exception outcomes, then retires the parcel from the working
// set. Ownership transfers to the persistence collaborator via the event.
func (p *Pipeline) dispatch(ctx context.Context, parcel *domain.Parcel, chute string, isException bool, now time.Time) {
	hint := p.recordOccupancy(chute)

	// Retire first: anyone reacting to the event must not find the parcel
	// still resident
	p.registry.Remove(parcel.ParcelID)
	p.unclaim(parcel.ParcelID)

	p.publish(ctx, &domain.ChuteAssignedEvent{
		ParcelID:          parcel.ParcelID,
		Chute:             chute,
		CartNumber:        parcel.CartNumber,
		IsException:       isException,
		AssignedAt:        now,
		LaneOccupancyHint: hint,
	})

	p.metrics.RecordParcelDispatched(chute, isException)
	p.metrics.ParcelsInFlight.Set(float64(p.registry.Len()))

	if p.archive != nil {
		// Off the consumer goroutine: a slow archive store must not stall
		// the line
		go func() {
			if err := p.archive.Archive(context.Background(), parcel); err != nil {
				p.logger.WithError(err).Error("Parcel archive failed", "parcelId", parcel.ParcelID)
			}
		}()
	}
}

func (p *Pipeline) recordOccupancy(chute string) int64 {
	if chute == "" {
		return 0
	}
	p.occupancyMu.Lock()
	defer p.occupancyMu.Unlock()
	p.occupancy[chute]++
	return p.occupancy[chute]
}

// supervise scans for parcels that outlived the binding window and routes
// them to the exception chute. This is the only path out of AwaitingDws
// without a DWS reading.
func (p *Pipeline) supervise() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepTimeouts()
		case <-p.supervisor:
			return
		}
	}
}

func (p *Pipeline) sweepTimeouts() {
	window := p.windows.Current()
	if !window.Enabled {
		return
	}

	now := p.clock.Now()

	for _, parcel := range p.registry.Snapshot() {
		if parcel.Stage != domain.StageAwaitingDws {
			continue
		}
		if !window.Expired(parcel.Age(now)) {
			continue
		}
		if !p.claim(parcel.ParcelID) {
			// An accepted reading is already in flight for this parcel
			continue
		}

		// Re-read after claiming: the snapshot copy may predate a bind
		// that has already dispatched and released the claim
		current := p.registry.Get(parcel.ParcelID)
		if current == nil || current.Stage != domain.StageAwaitingDws {
			p.unclaim(parcel.ParcelID)
			continue
		}

		ctx := context.Background()

		retired := *current
		_ = retired.Advance(domain.StageTimedOut, now)
		retired.TargetChute = window.ExceptionChuteID
		_ = retired.Advance(domain.StageExceptionDispatched, now)

		p.metrics.ParcelsTimedOut.Inc()
		p.logger.Warn("Parcel timed out awaiting DWS reading",
			"parcelId", retired.ParcelID,
			"ageMs", retired.Age(now).Milliseconds(),
			"exceptionChute", window.ExceptionChuteID,
		)

		p.dispatch(ctx, &retired, window.ExceptionChuteID, true, now)
	}
}

func (p *Pipeline) rejectReading(ctx context.Context, reading domain.DwsReading, cause error) {
	reason := rejectionReason(cause)
	p.metrics.RecordBindingRejection(reason)

	p.publish(ctx, &domain.BindingRejectedEvent{
		Reason:     reason,
		ParcelID:   reading.ParcelID,
		Reading:    reading,
		RejectedAt: p.clock.Now(),
	})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
		return "unknown_parcel"
	case errors.Is(err, domain.ErrParcelNotAwaitingDws):
		return "already_bound"
	case errors.Is(err, domain.ErrReadingOutsideWindow):
		return "outside_window"
	default:
		return "internal"
	}
}

// publish hands an event to the sink; sink failures are logged and do not
// disturb the lifecycle
func (p *Pipeline) publish(ctx context.Context, event domain.DomainEvent) {
	if err := p.sink.Publish(ctx, event); err != nil {
		p.logger.WithError(err).Error("Event publish failed", "eventType", event.EventType())
	}
}
