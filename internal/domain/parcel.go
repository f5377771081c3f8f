package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleStage represents where a parcel is in its journey across the line
type LifecycleStage string

const (
	StageCreated             LifecycleStage = "created"
	StageAwaitingDws         LifecycleStage = "awaiting_dws"
	StageBound               LifecycleStage = "bound"
	StageEvaluated           LifecycleStage = "evaluated"
	StageDispatched          LifecycleStage = "dispatched"
	StageTimedOut            LifecycleStage = "timed_out"
	StageExceptionDispatched LifecycleStage = "exception_dispatched"
)

// IsValid checks if the stage is valid
func (s LifecycleStage) IsValid() bool {
	switch s {
	case StageCreated, StageAwaitingDws, StageBound, StageEvaluated,
		StageDispatched, StageTimedOut, StageExceptionDispatched:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage ends the parcel's residence in the
// in-memory working set
func (s LifecycleStage) IsTerminal() bool {
	return s == StageDispatched || s == StageExceptionDispatched
}

// CanTransitionTo checks if the stage can transition to another stage
func (s LifecycleStage) CanTransitionTo(target LifecycleStage) bool {
	validTransitions := map[LifecycleStage][]LifecycleStage{
		StageCreated:             {StageAwaitingDws},
		StageAwaitingDws:         {StageBound, StageTimedOut},
		StageBound:               {StageEvaluated},
		StageEvaluated:           {StageDispatched},
		StageTimedOut:            {StageExceptionDispatched},
		StageDispatched:          {},
		StageExceptionDispatched: {},
	}

	allowedTargets, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, allowed := range allowedTargets {
		if target == allowed {
			return true
		}
	}
	return false
}

// Parcel is the unit of work moving across the sorting line. It is owned
// exclusively by the in-memory registry while in flight; once a terminal
// stage is reached ownership transfers to the persistence collaborator via
// the emitted ChuteAssigned event.
type Parcel struct {
	ParcelID       string          `bson:"parcelId" json:"parcelId"`
	CartNumber     string          `bson:"cartNumber" json:"cartNumber"`
	Barcode        string          `bson:"barcode,omitempty" json:"barcode,omitempty"`
	Weight         decimal.Decimal `bson:"weight" json:"weight"`
	Length         decimal.Decimal `bson:"length" json:"length"`
	Width          decimal.Decimal `bson:"width" json:"width"`
	Height         decimal.Decimal `bson:"height" json:"height"`
	Volume         decimal.Decimal `bson:"volume" json:"volume"`
	TargetChute    string          `bson:"targetChute,omitempty" json:"targetChute,omitempty"`
	Stage          LifecycleStage  `bson:"stage" json:"stage"`
	SortingMode    string          `bson:"sortingMode,omitempty" json:"sortingMode,omitempty"`
	SequenceNumber uint64          `bson:"sequenceNumber" json:"sequenceNumber"`
	CreatedAt      time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// NewParcel creates a parcel at the start of its lifecycle
func NewParcel(parcelID, cartNumber, barcode string, now time.Time) *Parcel {
	return &Parcel{
		ParcelID:   parcelID,
		CartNumber: cartNumber,
		Barcode:    barcode,
		Stage:      StageCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance transitions the parcel to the target stage
func (p *Parcel) Advance(target LifecycleStage, now time.Time) error {
	if !p.Stage.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	p.Stage = target
	p.UpdatedAt = now
	return nil
}

// FoldReading copies the measurement fields of a DWS reading onto the parcel.
// The parcel's own barcode, if already known from the sorter announce, is not
// overwritten by an empty reading barcode.
func (p *Parcel) FoldReading(r DwsReading, now time.Time) {
	if r.Barcode != "" {
		p.Barcode = r.Barcode
	}
	p.Weight = r.Weight
	p.Length = r.Length
	p.Width = r.Width
	p.Height = r.Height
	p.Volume = r.Volume
	p.UpdatedAt = now
}

// Age returns how long the parcel has been on the line
func (p *Parcel) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
