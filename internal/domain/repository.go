package domain

import (
	"context"
	"time"
)

// ParcelSource loads parcels that are not resident in memory, e.g. after a
// process restart. A nil parcel with a nil error means not found.
type ParcelSource interface {
	LoadByID(ctx context.Context, parcelID string) (*Parcel, error)
}

// ParcelArchive receives ownership of parcels that reached a terminal stage
type ParcelArchive interface {
	Archive(ctx context.Context, parcel *Parcel) error
}

// RuleSource loads the enabled rule set. Implementations must return rules
// sorted ascending by priority; the cache and engine never re-sort.
type RuleSource interface {
	LoadEnabledRulesOrderedByPriority(ctx context.Context) ([]SortingRule, error)
}

// BindingWindowSource serves the live binding window snapshot. Readers must
// never observe a half-updated window.
type BindingWindowSource interface {
	Current() BindingWindow
}

// EventSink consumes domain events emitted by the pipeline
type EventSink interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// Clock abstracts time so binding-window behavior is deterministic in tests
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time { return time.Now().UTC() }
