package binding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/pkg/logging"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

type fixedWindow struct {
	window domain.BindingWindow
}

func (f *fixedWindow) Current() domain.BindingWindow { return f.window }

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig("sortline-test")
	cfg.Level = logging.LevelError
	return logging.New(cfg)
}

func testWindow() *fixedWindow {
	return &fixedWindow{window: domain.BindingWindow{
		MinWait:          50 * time.Millisecond,
		MaxWait:          200 * time.Millisecond,
		ExceptionChuteID: "EXC-1",
		Enabled:          true,
	}}
}

// addParcel inserts a parcel created at the given age before "now"
func addParcel(t *testing.T, reg *registry.ParcelRegistry, clock *manualClock, id string, age time.Duration) *domain.Parcel {
	t.Helper()
	p := domain.NewParcel(id, "C-"+id, "", clock.now.Add(-age))
	p.SequenceNumber = reg.NextSequence()
	require.NoError(t, p.Advance(domain.StageAwaitingDws, p.CreatedAt))
	require.True(t, reg.Insert(p))
	return p
}

func TestResolveExplicitID(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	addParcel(t, reg, clock, "P-1", 100*time.Millisecond)

	p, err := c.Resolve(domain.DwsReading{ParcelID: "P-1"})
	require.NoError(t, err)
	assert.Equal(t, "P-1", p.ParcelID)
}

func TestResolveExplicitUnknownParcel(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	c := NewCorrelator(registry.New(), testWindow(), clock, testLogger())

	_, err := c.Resolve(domain.DwsReading{ParcelID: "P-GHOST"})
	require.ErrorIs(t, err, domain.ErrParcelNotFound)
}

func TestResolveExplicitWrongStage(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	p := addParcel(t, reg, clock, "P-1", 100*time.Millisecond)
	require.NoError(t, p.Advance(domain.StageBound, clock.now))

	_, err := c.Resolve(domain.DwsReading{ParcelID: "P-1"})
	require.ErrorIs(t, err, domain.ErrParcelNotAwaitingDws)
}

func TestResolveOldestInWindow(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	addParcel(t, reg, clock, "P-OLD", 120*time.Millisecond)
	addParcel(t, reg, clock, "P-NEW", 80*time.Millisecond)

	p, err := c.Resolve(domain.DwsReading{})
	require.NoError(t, err)
	assert.Equal(t, "P-OLD", p.ParcelID, "oldest eligible parcel wins")
}

func TestResolveRejectsTooYoung(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	// Age 30ms < minWait 50ms
	addParcel(t, reg, clock, "P-1", 30*time.Millisecond)

	_, err := c.Resolve(domain.DwsReading{})
	require.ErrorIs(t, err, domain.ErrReadingOutsideWindow)
}

func TestResolveSkipsExpiredParcels(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	// Beyond maxWait: the timeout supervisor owns it
	addParcel(t, reg, clock, "P-EXPIRED", 250*time.Millisecond)
	addParcel(t, reg, clock, "P-IN", 120*time.Millisecond)

	p, err := c.Resolve(domain.DwsReading{})
	require.NoError(t, err)
	assert.Equal(t, "P-IN", p.ParcelID)
}

func TestResolveEmptyRegistry(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	c := NewCorrelator(registry.New(), testWindow(), clock, testLogger())

	_, err := c.Resolve(domain.DwsReading{})
	require.ErrorIs(t, err, domain.ErrReadingOutsideWindow)
}

func TestResolveSkipsNonAwaitingParcels(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	reg := registry.New()
	c := NewCorrelator(reg, testWindow(), clock, testLogger())

	bound := addParcel(t, reg, clock, "P-BOUND", 150*time.Millisecond)
	require.NoError(t, bound.Advance(domain.StageBound, clock.now))
	addParcel(t, reg, clock, "P-FREE", 100*time.Millisecond)

	p, err := c.Resolve(domain.DwsReading{})
	require.NoError(t, err)
	assert.Equal(t, "P-FREE", p.ParcelID)
}
