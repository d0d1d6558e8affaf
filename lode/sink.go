package lode

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/dwiflow/metrics"
)

// InstrumentedClient wraps a Client and counts sink writes on a collector.
type InstrumentedClient struct {
	inner     Client
	collector *metrics.Collector
}

// NewInstrumentedClient wraps inner. collector may be nil.
func NewInstrumentedClient(inner Client, collector *metrics.Collector) *InstrumentedClient {
	return &InstrumentedClient{inner: inner, collector: collector}
}

// WriteSummary delegates and records success or failure.
func (c *InstrumentedClient) WriteSummary(ctx context.Context, s Summary) error {
	return c.observe(c.inner.WriteSummary(ctx, s))
}

// WriteMetrics delegates without counting, so the snapshot it carries
// stays consistent with what was recorded.
func (c *InstrumentedClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error {
	return c.inner.WriteMetrics(ctx, snap, completedAt)
}

// Close delegates to the inner client.
func (c *InstrumentedClient) Close() error {
	return c.inner.Close()
}

func (c *InstrumentedClient) observe(err error) error {
	if err != nil {
		c.collector.IncSinkWriteFailure()
	} else {
		c.collector.IncSinkWriteSuccess()
	}
	return err
}

var _ Client = (*InstrumentedClient)(nil)

// StubClient records writes in memory.
type StubClient struct {
	mu        sync.Mutex
	Summaries []Summary
	Metrics   []metrics.Snapshot
	Closed    bool
	// Err, when set, is returned by every write.
	Err error
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteSummary implements Client.
func (c *StubClient) WriteSummary(_ context.Context, s Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Summaries = append(c.Summaries, s)
	return nil
}

// WriteMetrics implements Client.
func (c *StubClient) WriteMetrics(_ context.Context, snap metrics.Snapshot, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Metrics = append(c.Metrics, snap)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
