package domain

import "time"

// BindingWindow bounds the parcel age range in which a DWS reading may be
// attributed to a parcel. MinWait defends against binding to the wrong,
// already-passed parcel; MaxWait bounds staleness before the timeout
// supervisor routes the parcel to the exception chute instead.
//
// Invariant: MaxWait > MinWait >= 0.
type BindingWindow struct {
	MinWait          time.Duration `bson:"minWait" json:"minWait"`
	MaxWait          time.Duration `bson:"maxWait" json:"maxWait"`
	ExceptionChuteID string        `bson:"exceptionChuteId" json:"exceptionChuteId"`
	Enabled          bool          `bson:"enabled" json:"enabled"`
}

// Validate checks the window invariant
func (w BindingWindow) Validate() error {
	if w.MinWait < 0 {
		return ErrInvalidWindow
	}
	if w.MaxWait <= w.MinWait {
		return ErrInvalidWindow
	}
	return nil
}

// Contains reports whether a parcel age falls inside [MinWait, MaxWait).
// When the window is disabled any age is eligible.
func (w BindingWindow) Contains(age time.Duration) bool {
	if !w.Enabled {
		return true
	}
	return age >= w.MinWait && age < w.MaxWait
}

// Expired reports whether a parcel age is at or beyond MaxWait
func (w BindingWindow) Expired(age time.Duration) bool {
	if !w.Enabled {
		return false
	}
	return age >= w.MaxWait
}
