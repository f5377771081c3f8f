package kafka

import (
	"context"
	"time"

	"github.com/sortline/sortline/pkg/cloudevents"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

// InstrumentedProducer wraps a Producer with metrics and logging
type InstrumentedProducer struct {
	producer *Producer
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewInstrumentedProducer creates a new instrumented producer
func NewInstrumentedProducer(producer *Producer, m *metrics.Metrics, logger *logging.Logger) *InstrumentedProducer {
	return &InstrumentedProducer{
		producer: producer,
		metrics:  m,
		logger:   logger,
	}
}

// PublishEvent publishes a CloudEvent with metrics and logging
func (p *InstrumentedProducer) PublishEvent(ctx context.Context, topic string, event *cloudevents.LineCloudEvent) error {
	start := time.Now()

	err := p.producer.PublishEvent(ctx, topic, event)
	duration := time.Since(start)

	p.metrics.RecordKafkaPublish(topic, event.Type, err == nil, duration)
	p.logger.KafkaPublish(ctx, topic, event.Type, err == nil, duration)

	return err
}

// PublishEventAsync publishes asynchronously, recording the outcome when the
// broker responds
func (p *InstrumentedProducer) PublishEventAsync(ctx context.Context, topic string, event *cloudevents.LineCloudEvent) {
	start := time.Now()
	p.producer.PublishEventAsync(ctx, topic, event, func(err error) {
		duration := time.Since(start)
		p.metrics.RecordKafkaPublish(topic, event.Type, err == nil, duration)
		if err != nil {
			p.logger.WithError(err).Warn("Async Kafka publish failed",
				"topic", topic,
				"eventType", event.Type,
			)
		}
	})
}

// Close closes the underlying producer
func (p *InstrumentedProducer) Close() error {
	return p.producer.Close()
}
