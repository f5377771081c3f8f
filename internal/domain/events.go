package domain

import "time"

// DomainEvent represents a domain event interface
type DomainEvent interface {
	EventType() string
	OccurredAt() time.Time
}

// ParcelCreatedEvent is emitted when the sorter announces a parcel
type ParcelCreatedEvent struct {
	ParcelID       string    `json:"parcelId"`
	CartNumber     string    `json:"cartNumber"`
	Barcode        string    `json:"barcode,omitempty"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (e *ParcelCreatedEvent) EventType() string     { return "sortline.parcel.created" }
func (e *ParcelCreatedEvent) OccurredAt() time.Time { return e.CreatedAt }

// DwsBoundEvent is emitted when a DWS reading is successfully correlated to
// a parcel, before rule evaluation
type DwsBoundEvent struct {
	ParcelID string     `json:"parcelId"`
	Reading  DwsReading `json:"reading"`
	BoundAt  time.Time  `json:"boundAt"`
}

func (e *DwsBoundEvent) EventType() string     { return "sortline.parcel.dws-bound" }
func (e *DwsBoundEvent) OccurredAt() time.Time { return e.BoundAt }

// ChuteAssignedEvent is the single outcome event for both normal and
// timeout/exception dispatch, distinguished by IsException. Chute is empty
// when no rule matched.
type ChuteAssignedEvent struct {
	ParcelID          string    `json:"parcelId"`
	Chute             string    `json:"chute,omitempty"`
	CartNumber        string    `json:"cartNumber"`
	IsException       bool      `json:"isException"`
	AssignedAt        time.Time `json:"assignedAt"`
	LaneOccupancyHint int64     `json:"laneOccupancyHint"`
}

func (e *ChuteAssignedEvent) EventType() string     { return "sortline.parcel.chute-assigned" }
func (e *ChuteAssignedEvent) OccurredAt() time.Time { return e.AssignedAt }

// BindingRejectedEvent records a DWS reading that could not be correlated.
// Rejected readings leave correlation but never leave the audit trail.
type BindingRejectedEvent struct {
	Reason     string     `json:"reason"`
	ParcelID   string     `json:"parcelId,omitempty"`
	Reading    DwsReading `json:"reading"`
	RejectedAt time.Time  `json:"rejectedAt"`
}

func (e *BindingRejectedEvent) EventType() string     { return "sortline.binding.rejected" }
func (e *BindingRejectedEvent) OccurredAt() time.Time { return e.RejectedAt }
