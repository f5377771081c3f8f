package application

import "github.com/shopspring/decimal"

// SignalParcelCommand announces a parcel entering the line
type SignalParcelCommand struct {
	ParcelID   string
	CartNumber string
	Barcode    string
}

// SignalDwsCommand carries a dimension-weight-scan reading. ParcelID is
// optional; without it the reading binds to the oldest eligible parcel.
type SignalDwsCommand struct {
	ParcelID      string
	Barcode       string
	Weight        decimal.Decimal
	Length        decimal.Decimal
	Width         decimal.Decimal
	Height        decimal.Decimal
	Volume        decimal.Decimal
	SourceAddress string
}

// UpdateWindowCommand replaces the binding window configuration
type UpdateWindowCommand struct {
	MinWaitMs        int64
	MaxWaitMs        int64
	ExceptionChuteID string
	Enabled          bool
}

// GetParcelQuery looks up a parcel by id
type GetParcelQuery struct {
	ParcelID string
}
