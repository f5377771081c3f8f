package cloudevents

import (
	"time"
)

// EventType constants for sortline domain events
const (
	ParcelCreated   = "sortline.parcel.created"
	DwsBound        = "sortline.parcel.dws-bound"
	ChuteAssigned   = "sortline.parcel.chute-assigned"
	BindingRejected = "sortline.binding.rejected"
)

// Source constants for event sources
const (
	SourceLine  = "/sortline/line"
	SourceAdmin = "/sortline/admin"
)

// LineCloudEvent represents a CloudEvents v1.0 compliant event for sortline
type LineCloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	Subject         string      `json:"subject,omitempty"`
	ID              string      `json:"id"`
	Time            time.Time   `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`

	// Sortline-specific extensions
	CorrelationID string `json:"slcorrelationid,omitempty"`
	LineID        string `json:"sllineid,omitempty"`
	ParcelID      string `json:"slparcelid,omitempty"`
}
