package mongodb

import (
	"context"
	"log/slog"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/resilience"
)

// ResilientArchive wraps a parcel archive with a circuit breaker. When the
// store is down the breaker fails fast instead of piling goroutines onto a
// dead connection; dispatched parcels still reach the event stream.
type ResilientArchive struct {
	inner   domain.ParcelArchive
	breaker *resilience.CircuitBreaker
}

// NewResilientArchive creates a ResilientArchive
func NewResilientArchive(inner domain.ParcelArchive, logger *slog.Logger) *ResilientArchive {
	return &ResilientArchive{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("parcel-archive"), logger),
	}
}

// Archive persists the parcel through the breaker
func (a *ResilientArchive) Archive(ctx context.Context, parcel *domain.Parcel) error {
	_, err := a.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, a.inner.Archive(ctx, parcel)
	})
	return err
}
