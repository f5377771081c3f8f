package kafka

import (
	"time"
)

// Config holds Kafka configuration
type Config struct {
	Brokers  []string
	ClientID string

	// Producer settings
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int // 0: no ack, 1: leader ack, -1: all replicas ack
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Brokers:  []string{"localhost:9092"},
		ClientID: "sortline",

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: -1, // All replicas
	}
}

// TopicConfig names the sortline Kafka topics
type TopicConfig struct {
	// Lifecycle events consumed by persistence and sorter dispatch
	ParcelEvents string

	// Audit trail for rejected bindings and other line anomalies
	AuditEvents string
}

// Topics contains the default sortline topic names
var Topics = TopicConfig{
	ParcelEvents: "sortline.parcel.events",
	AuditEvents:  "sortline.audit.events",
}
