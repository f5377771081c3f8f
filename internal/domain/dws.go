package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DwsReading is a single measurement event reported by a
// dimensioning/weighing/scanning station. Readings are ephemeral: a reading
// is folded into a Parcel on a successful bind and is not retained as a
// standalone entity afterwards.
type DwsReading struct {
	ParcelID      string          `json:"parcelId,omitempty"`
	Barcode       string          `json:"barcode,omitempty"`
	Weight        decimal.Decimal `json:"weight"`
	Length        decimal.Decimal `json:"length"`
	Width         decimal.Decimal `json:"width"`
	Height        decimal.Decimal `json:"height"`
	Volume        decimal.Decimal `json:"volume"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	SourceAddress string          `json:"sourceAddress,omitempty"`
}
