// Package registry holds the in-memory working set of parcels currently in
// flight on the sorting line.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sortline/sortline/internal/domain"
)

// Loader fetches a parcel from an external source on a registry miss. A nil
// parcel with a nil error means not found. Loaders must be idempotent:
// concurrent callers for the same missing id may each invoke the loader, and
// the last writer wins on insert.
type Loader func(ctx context.Context, parcelID string) (*domain.Parcel, error)

// ParcelRegistry is a concurrent, FIFO-ordered store of in-flight parcels.
// Lookups go through a lock-free concurrent map; arrival order is kept in a
// separate index guarded by its own mutex. Removal leaves a stale index
// entry behind, which PeekOldest/PopOldest skip lazily, so the two
// structures never need a combined lock.
type ParcelRegistry struct {
	parcels sync.Map // parcelId -> *domain.Parcel

	mu      sync.Mutex
	arrival []string // parcel ids in first-insertion order
	head    int      // index of the oldest not-yet-popped entry

	seq  atomic.Uint64
	size atomic.Int64
}

// New creates an empty ParcelRegistry
func New() *ParcelRegistry {
	return &ParcelRegistry{}
}

// NextSequence returns the next value of the global parcel sequence. Values
// are strictly increasing and never reused.
func (r *ParcelRegistry) NextSequence() uint64 {
	return r.seq.Add(1)
}

// Upsert inserts or replaces a parcel by id. It returns true when this was a
// first insertion, in which case the id is appended to the arrival index.
// Updates replace the stored value without touching arrival order.
func (r *ParcelRegistry) Upsert(parcel *domain.Parcel) bool {
	_, loaded := r.parcels.Swap(parcel.ParcelID, parcel)
	if loaded {
		return false
	}

	r.mu.Lock()
	r.arrival = append(r.arrival, parcel.ParcelID)
	r.mu.Unlock()

	r.size.Add(1)
	return true
}

// Insert adds a parcel only when its id is not already resident. It returns
// false on a duplicate, leaving the stored parcel untouched.
func (r *ParcelRegistry) Insert(parcel *domain.Parcel) bool {
	_, loaded := r.parcels.LoadOrStore(parcel.ParcelID, parcel)
	if loaded {
		return false
	}

	r.mu.Lock()
	r.arrival = append(r.arrival, parcel.ParcelID)
	r.mu.Unlock()

	r.size.Add(1)
	return true
}

// Get returns the parcel for the given id, or nil when not resident
func (r *ParcelRegistry) Get(parcelID string) *domain.Parcel {
	v, ok := r.parcels.Load(parcelID)
	if !ok {
		return nil
	}
	return v.(*domain.Parcel)
}

// GetOrLoad checks the registry first and falls back to the supplied loader
// on a miss. A loaded parcel is inserted before being returned. The loader
// is attempted once; it is not retried here.
func (r *ParcelRegistry) GetOrLoad(ctx context.Context, parcelID string, loader Loader) (*domain.Parcel, error) {
	if p := r.Get(parcelID); p != nil {
		return p, nil
	}

	p, err := loader(ctx, parcelID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	r.Upsert(p)
	return p, nil
}

// Remove deletes the parcel from the map. Its arrival index entry becomes a
// dangling reference skipped by PeekOldest/PopOldest.
func (r *ParcelRegistry) Remove(parcelID string) {
	if _, loaded := r.parcels.LoadAndDelete(parcelID); loaded {
		r.size.Add(-1)
	}
}

// PeekOldest returns the longest-resident still-present parcel without
// removing it, pruning stale index entries encountered along the way.
func (r *ParcelRegistry) PeekOldest() *domain.Parcel {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.head < len(r.arrival) {
		id := r.arrival[r.head]
		if v, ok := r.parcels.Load(id); ok {
			return v.(*domain.Parcel)
		}
		// Stale entry left behind by Remove
		r.arrival[r.head] = ""
		r.head++
	}

	r.resetLocked()
	return nil
}

// PopOldest removes and returns the longest-resident still-present parcel
func (r *ParcelRegistry) PopOldest() *domain.Parcel {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.head < len(r.arrival) {
		id := r.arrival[r.head]
		r.arrival[r.head] = ""
		r.head++

		if v, loaded := r.parcels.LoadAndDelete(id); loaded {
			r.size.Add(-1)
			return v.(*domain.Parcel)
		}
	}

	r.resetLocked()
	return nil
}

// ScanOldest visits resident parcels in arrival order until fn returns
// false. Entries removed from the map are skipped without being pruned;
// PeekOldest/PopOldest remain responsible for compacting the index.
func (r *ParcelRegistry) ScanOldest(fn func(*domain.Parcel) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := r.head; i < len(r.arrival); i++ {
		id := r.arrival[i]
		if id == "" {
			continue
		}
		v, ok := r.parcels.Load(id)
		if !ok {
			continue
		}
		if !fn(v.(*domain.Parcel)) {
			return
		}
	}
}

// Len returns the number of resident parcels
func (r *ParcelRegistry) Len() int {
	return int(r.size.Load())
}

// Snapshot returns the resident parcels ordered by sequence number. Intended
// for the admin surface, not the hot path.
func (r *ParcelRegistry) Snapshot() []*domain.Parcel {
	out := make([]*domain.Parcel, 0, r.Len())
	r.parcels.Range(func(_, v any) bool {
		out = append(out, v.(*domain.Parcel))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out
}

// Clear empties both structures. Administrative reset only.
func (r *ParcelRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parcels.Range(func(k, _ any) bool {
		r.parcels.Delete(k)
		return true
	})
	r.size.Store(0)
	r.arrival = r.arrival[:0]
	r.head = 0
}

// resetLocked drops the fully-consumed arrival index so it does not grow
// without bound. Caller must hold mu.
func (r *ParcelRegistry) resetLocked() {
	if r.head >= len(r.arrival) {
		r.arrival = r.arrival[:0]
		r.head = 0
	}
}
