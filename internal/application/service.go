// Package application implements the use-case layer of the sortline
// service: signal intake, admin queries, and configuration commands.
package application

import (
	"context"
	"errors"
	"time"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/internal/pipeline"
	"github.com/sortline/sortline/internal/registry"
	"github.com/sortline/sortline/internal/rules"
	apperrors "github.com/sortline/sortline/pkg/errors"
	"github.com/sortline/sortline/pkg/logging"
)

// WindowAdmin is the read/write surface of the binding window configuration
type WindowAdmin interface {
	domain.BindingWindowSource
	Update(ctx context.Context, window domain.BindingWindow) error
}

// SortlineService implements the application layer for the sorting line
type SortlineService struct {
	pipeline *pipeline.Pipeline
	registry *registry.ParcelRegistry
	cache    *rules.Cache
	windows  WindowAdmin
	parcels  domain.ParcelSource
	clock    domain.Clock
	logger   *logging.Logger
}

// NewSortlineService creates a new SortlineService
func NewSortlineService(
	p *pipeline.Pipeline,
	reg *registry.ParcelRegistry,
	cache *rules.Cache,
	windows WindowAdmin,
	parcels domain.ParcelSource,
	clock domain.Clock,
	logger *logging.Logger,
) *SortlineService {
	return &SortlineService{
		pipeline: p,
		registry: reg,
		cache:    cache,
		windows:  windows,
		parcels:  parcels,
		clock:    clock,
		logger:   logger.WithComponent("application"),
	}
}

// SignalParcel accepts a sorter parcel announcement
func (s *SortlineService) SignalParcel(ctx context.Context, cmd SignalParcelCommand) error {
	if cmd.ParcelID == "" {
		return apperrors.ErrValidation("parcelId is required")
	}

	accepted, err := s.pipeline.CreateParcel(ctx, cmd.ParcelID, cmd.CartNumber, cmd.Barcode)
	if err != nil {
		return apperrors.ErrTimeout("parcel enqueue").Wrap(err)
	}
	if !accepted {
		return apperrors.ErrConflict("parcel already exists").
			WithDetail("parcelId", cmd.ParcelID).
			Wrap(domain.ErrDuplicateParcel)
	}

	s.logger.Info("Parcel signal accepted", "parcelId", cmd.ParcelID, "cartNumber", cmd.CartNumber)
	return nil
}

// SignalDws accepts a DWS reading and hands it to the correlation pipeline
func (s *SortlineService) SignalDws(ctx context.Context, cmd SignalDwsCommand) error {
	reading := domain.DwsReading{
		ParcelID:      cmd.ParcelID,
		Barcode:       cmd.Barcode,
		Weight:        cmd.Weight,
		Length:        cmd.Length,
		Width:         cmd.Width,
		Height:        cmd.Height,
		Volume:        cmd.Volume,
		ReceivedAt:    s.clock.Now(),
		SourceAddress: cmd.SourceAddress,
	}

	accepted, err := s.pipeline.ReceiveDws(ctx, reading)
	if accepted {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrParcelNotFound):
		return apperrors.ErrNotFoundWithID("parcel", cmd.ParcelID)
	case errors.Is(err, domain.ErrParcelNotAwaitingDws):
		return apperrors.ErrConflict("parcel is not awaiting a DWS reading").WithDetail("parcelId", cmd.ParcelID)
	case errors.Is(err, domain.ErrReadingOutsideWindow):
		return apperrors.ErrValidation("reading falls outside the binding window")
	case err != nil:
		return apperrors.ErrTimeout("dws enqueue").Wrap(err)
	default:
		return apperrors.ErrInternal("dws reading rejected")
	}
}

// GetParcel returns a parcel from the working set, falling back to the
// archive for parcels that already left the line
func (s *SortlineService) GetParcel(ctx context.Context, query GetParcelQuery) (*domain.Parcel, error) {
	if query.ParcelID == "" {
		return nil, apperrors.ErrValidation("parcelId is required")
	}

	if p := s.registry.Get(query.ParcelID); p != nil {
		return p, nil
	}

	p, err := s.parcels.LoadByID(ctx, query.ParcelID)
	if err != nil {
		s.logger.WithError(err).Error("Parcel lookup failed", "parcelId", query.ParcelID)
		return nil, apperrors.ErrInternal("failed to load parcel").Wrap(err)
	}
	if p == nil {
		return nil, apperrors.ErrNotFoundWithID("parcel", query.ParcelID)
	}
	return p, nil
}

// ListInFlight returns the working set ordered by sequence number
func (s *SortlineService) ListInFlight(ctx context.Context) []*domain.Parcel {
	return s.registry.Snapshot()
}

// GetWindow returns the active binding window configuration
func (s *SortlineService) GetWindow(ctx context.Context) WindowDTO {
	return NewWindowDTO(s.windows.Current())
}

// UpdateWindow replaces the binding window configuration. The new window
// applies to readings and timeout sweeps from the next observation on;
// already-enqueued work is not retroactively re-evaluated.
func (s *SortlineService) UpdateWindow(ctx context.Context, cmd UpdateWindowCommand) (WindowDTO, error) {
	window := domain.BindingWindow{
		MinWait:          time.Duration(cmd.MinWaitMs) * time.Millisecond,
		MaxWait:          time.Duration(cmd.MaxWaitMs) * time.Millisecond,
		ExceptionChuteID: cmd.ExceptionChuteID,
		Enabled:          cmd.Enabled,
	}
	if err := window.Validate(); err != nil {
		return WindowDTO{}, apperrors.ErrValidation(err.Error())
	}

	if err := s.windows.Update(ctx, window); err != nil {
		s.logger.WithError(err).Error("Binding window update failed")
		return WindowDTO{}, apperrors.ErrInternal("failed to update binding window").Wrap(err)
	}

	s.logger.Info("Binding window updated",
		"minWaitMs", cmd.MinWaitMs,
		"maxWaitMs", cmd.MaxWaitMs,
		"exceptionChute", cmd.ExceptionChuteID,
		"enabled", cmd.Enabled,
	)
	return NewWindowDTO(window), nil
}

// ListRules returns the active rule set together with cache state. The call
// warms the cache when it is cold.
func (s *SortlineService) ListRules(ctx context.Context) (RulesDTO, error) {
	ruleSet, err := s.cache.GetRules(ctx)
	if err != nil {
		return RulesDTO{}, apperrors.ErrServiceUnavailable("rule source").Wrap(err)
	}

	info := s.cache.Info()
	dto := RulesDTO{
		Rules: ruleSet,
		Cache: RuleCacheDTO{RuleCount: info.RuleCount, Warm: info.Warm},
	}
	if info.Warm {
		loadedAt := info.LoadedAt
		dto.Cache.LoadedAt = &loadedAt
	}
	return dto, nil
}

// InvalidateRules drops the cached rule set; the next evaluation reloads
func (s *SortlineService) InvalidateRules(ctx context.Context) {
	s.cache.Invalidate()
	s.logger.Info("Rule cache invalidation requested")
}

// ChuteOccupancy returns cumulative per-chute assignment counters
func (s *SortlineService) ChuteOccupancy(ctx context.Context) OccupancyDTO {
	return OccupancyDTO{Chutes: s.pipeline.Occupancy()}
}
