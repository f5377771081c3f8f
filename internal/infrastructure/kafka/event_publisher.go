// Package kafka adapts domain events onto the CloudEvents Kafka transport.
package kafka

import (
	"context"
	"fmt"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/cloudevents"
	"github.com/sortline/sortline/pkg/kafka"
)

// EventPublisher implements domain.EventSink on Kafka. Lifecycle events go
// to the parcel topic synchronously; binding rejections go to the audit
// topic fire-and-forget, so a slow audit broker never stalls correlation.
type EventPublisher struct {
	producer     *kafka.InstrumentedProducer
	eventFactory *cloudevents.EventFactory
	topics       kafka.TopicConfig
}

// NewEventPublisher creates a new Kafka-based event publisher
func NewEventPublisher(
	producer *kafka.InstrumentedProducer,
	eventFactory *cloudevents.EventFactory,
	topics kafka.TopicConfig,
) *EventPublisher {
	return &EventPublisher{
		producer:     producer,
		eventFactory: eventFactory,
		topics:       topics,
	}
}

// Publish publishes a single domain event
func (p *EventPublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	switch e := event.(type) {
	case *domain.ParcelCreatedEvent:
		ce := p.eventFactory.CreateParcelEvent(ctx, e.EventType(), e.ParcelID, e)
		return p.publish(ctx, p.topics.ParcelEvents, ce)

	case *domain.DwsBoundEvent:
		ce := p.eventFactory.CreateParcelEvent(ctx, e.EventType(), e.ParcelID, e)
		return p.publish(ctx, p.topics.ParcelEvents, ce)

	case *domain.ChuteAssignedEvent:
		ce := p.eventFactory.CreateParcelEvent(ctx, e.EventType(), e.ParcelID, e)
		return p.publish(ctx, p.topics.ParcelEvents, ce)

	case *domain.BindingRejectedEvent:
		ce := p.eventFactory.CreateEvent(ctx, e.EventType(), "binding/"+e.Reason, e)
		ce.ParcelID = e.ParcelID
		p.producer.PublishEventAsync(ctx, p.topics.AuditEvents, ce)
		return nil

	default:
		ce := p.eventFactory.CreateEvent(ctx, event.EventType(), "line", event)
		return p.publish(ctx, p.topics.ParcelEvents, ce)
	}
}

func (p *EventPublisher) publish(ctx context.Context, topic string, ce *cloudevents.LineCloudEvent) error {
	if err := p.producer.PublishEvent(ctx, topic, ce); err != nil {
		return fmt.Errorf("failed to publish event to kafka: %w", err)
	}
	return nil
}
