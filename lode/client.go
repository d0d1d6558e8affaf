// Package lode publishes combination summaries and run metrics to a
// Hive-partitioned Lode dataset on the local filesystem or S3.
package lode

import (
	"context"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dwiflow/metrics"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "dwiflow"

// partitionKeys is the Hive layout shared by the read and write paths.
var partitionKeys = []string{"record_kind", "subject", "session", "acquisition"}

// Client writes pipeline records to a results store.
type Client interface {
	// WriteSummary writes the outcome of one combination.
	WriteSummary(ctx context.Context, s Summary) error
	// WriteMetrics writes the run metrics snapshot.
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error
	// Close releases client resources.
	Close() error
}

// NewDataset opens the results dataset over factory.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// LodeClient is the Lode-backed Client.
type LodeClient struct {
	mu      sync.Mutex
	dataset lode.Dataset
	name    string
}

// NewLodeClient creates a client with filesystem storage under root.
func NewLodeClient(dataset, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(dataset, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a client over a custom store factory.
// Use lode.NewMemoryFactory() in tests.
func NewLodeClientWithFactory(dataset string, factory lode.StoreFactory) (*LodeClient, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := NewDataset(dataset, factory)
	if err != nil {
		return nil, err
	}
	return &LodeClient{dataset: ds, name: dataset}, nil
}

// WriteSummary implements Client.
func (c *LodeClient) WriteSummary(ctx context.Context, s Summary) error {
	return c.write(ctx, toCombinationRecordMap(s))
}

// WriteMetrics implements Client.
func (c *LodeClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error {
	return c.write(ctx, toMetricsRecordMap(snap, completedAt))
}

func (c *LodeClient) write(ctx context.Context, record map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.name)
	}
	return nil
}

// Close implements Client.
func (c *LodeClient) Close() error {
	return nil
}

var _ Client = (*LodeClient)(nil)
