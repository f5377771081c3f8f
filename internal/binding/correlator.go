// Package binding decides which in-flight parcel a DWS reading belongs to,
// enforcing the physically meaningful time window between the sorter's
// announce sensor and the DWS station.
package binding

import (
	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/pkg/logging"
)

// Correlator resolves DWS readings to parcels. An explicit parcel id on the
// reading binds directly; otherwise the oldest parcel whose age lies inside
// [minWait, maxWait) is the candidate. Parcels younger than minWait cannot
// be the target (the reading would belong to the previous parcel on the
// line) and parcels at or beyond maxWait are left for the timeout
// supervisor.
type Correlator struct {
	registry *registry.ParcelRegistry
	windows  domain.BindingWindowSource
	clock    domain.Clock
	logger   *logging.Logger
}

// NewCorrelator creates a Correlator
func NewCorrelator(reg *registry.ParcelRegistry, windows domain.BindingWindowSource, clock domain.Clock, logger *logging.Logger) *Correlator {
	return &Correlator{
		registry: reg,
		windows:  windows,
		clock:    clock,
		logger:   logger.WithComponent("binding-correlator"),
	}
}

// Resolve returns the parcel the reading binds to, or a domain error naming
// why correlation rejected it. Rejection removes the reading from
// correlation only; callers keep it in the audit trail.
func (c *Correlator) Resolve(reading domain.DwsReading) (*domain.Parcel, error) {
	if reading.ParcelID != "" {
		return c.resolveExplicit(reading.ParcelID)
	}
	return c.resolveOldestInWindow(reading)
}

func (c *Correlator) resolveExplicit(parcelID string) (*domain.Parcel, error) {
	parcel := c.registry.Get(parcelID)
	if parcel == nil {
		c.logger.Warn("DWS reading names an unknown parcel", "parcelId", parcelID)
		return nil, domain.ErrParcelNotFound
	}
	if parcel.Stage != domain.StageAwaitingDws {
		c.logger.Warn("DWS reading names a parcel that is not awaiting measurement",
			"parcelId", parcelID,
			"stage", string(parcel.Stage),
		)
		return nil, domain.ErrParcelNotAwaitingDws
	}
	return parcel, nil
}

func (c *Correlator) resolveOldestInWindow(reading domain.DwsReading) (*domain.Parcel, error) {
	window := c.windows.Current()
	now := c.clock.Now()

	var candidate, tooYoung *domain.Parcel

	c.registry.ScanOldest(func(parcel *domain.Parcel) bool {
		if parcel.Stage != domain.StageAwaitingDws {
			return true
		}

		age := parcel.Age(now)

		if window.Expired(age) {
			// Beyond maxWait: the timeout supervisor owns this parcel
			return true
		}
		if window.Contains(age) {
			candidate = parcel
			return false
		}

		// The oldest remaining parcel is still younger than minWait, so
		// every later one is too. The reading likely belongs to a parcel
		// that already left the window.
		tooYoung = parcel
		return false
	})

	if candidate != nil {
		return candidate, nil
	}

	if tooYoung != nil {
		c.logger.Warn("DWS reading arrived before the binding window opened",
			"oldestParcelId", tooYoung.ParcelID,
			"ageMs", tooYoung.Age(now).Milliseconds(),
			"minWaitMs", window.MinWait.Milliseconds(),
		)
		return nil, domain.ErrReadingOutsideWindow
	}

	c.logger.Warn("DWS reading has no in-window candidate parcel",
		"barcode", reading.Barcode,
		"sourceAddress", reading.SourceAddress,
	)
	return nil, domain.ErrReadingOutsideWindow
}
