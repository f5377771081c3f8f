package domain

import "errors"

// Sortline domain errors
var (
	ErrDuplicateParcel      = errors.New("parcel already exists in registry")
	ErrParcelNotFound       = errors.New("parcel not found")
	ErrParcelNotAwaitingDws = errors.New("parcel is not awaiting a DWS reading")
	ErrReadingOutsideWindow = errors.New("no in-flight parcel inside the binding window")
	ErrInvalidTransition    = errors.New("invalid lifecycle stage transition")
	ErrInvalidWindow        = errors.New("binding window requires maxWait > minWait >= 0")
	ErrNoRulesLoaded        = errors.New("rule source unavailable and no cached rule set")
)
