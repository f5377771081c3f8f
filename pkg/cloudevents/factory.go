package cloudevents

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventFactory creates CloudEvents for sortline domain events
type EventFactory struct {
	source string
	lineID string
}

// NewEventFactory creates a new EventFactory for a specific source
func NewEventFactory(source, lineID string) *EventFactory {
	return &EventFactory{source: source, lineID: lineID}
}

// CreateEvent creates a new LineCloudEvent with the given parameters
func (f *EventFactory) CreateEvent(
	ctx context.Context,
	eventType string,
	subject string,
	data interface{},
) *LineCloudEvent {
	return &LineCloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          f.source,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
		LineID:          f.lineID,
	}
}

// CreateParcelEvent creates an event scoped to a single parcel
func (f *EventFactory) CreateParcelEvent(
	ctx context.Context,
	eventType string,
	parcelID string,
	data interface{},
) *LineCloudEvent {
	event := f.CreateEvent(ctx, eventType, "parcel/"+parcelID, data)
	event.ParcelID = parcelID
	return event
}
