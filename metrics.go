package peersync

import "time"

// Message directions passed to MetricsCollector.RecordMessage.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// MetricsCollector provides hooks for collecting engine metrics
type MetricsCollector interface {
	// RecordSessionOpened records a new sync session with a peer
	RecordSessionOpened(peerID string)

	// RecordSessionClosed records the end of a session and how long it lasted
	RecordSessionClosed(peerID string, lifetime time.Duration)

	// RecordMessage records one sync message and its encoded size
	RecordMessage(direction string, bytes int)

	// RecordError records a failure by operation and error type
	RecordError(operation string, errorType string)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSessionOpened(peerID string)                         {}
func (n *NoOpMetricsCollector) RecordSessionClosed(peerID string, lifetime time.Duration) {}
func (n *NoOpMetricsCollector) RecordMessage(direction string, bytes int)                 {}
func (n *NoOpMetricsCollector) RecordError(operation string, errorType string)            {}
