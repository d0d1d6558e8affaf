package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/dwiflow/cli/config"
	"github.com/pithecene-io/dwiflow/lode"
)

// storageChoice is the resolved summary storage configuration.
type storageChoice struct {
	backend   string
	path      string
	dataset   string
	region    string
	endpoint  string
	pathStyle bool
}

// enabled reports whether summaries are written at all.
func (s storageChoice) enabled() bool {
	return s.backend != "" || s.path != ""
}

func parseStorage(c *cli.Context, cfg *config.Config) (storageChoice, error) {
	s := storageChoice{
		backend:   resolveString(c, "storage-backend", configVal(cfg, func(c *config.Config) string { return c.Storage.Backend })),
		path:      resolveString(c, "storage-path", configVal(cfg, func(c *config.Config) string { return c.Storage.Path })),
		dataset:   resolveString(c, "storage-dataset", configVal(cfg, func(c *config.Config) string { return c.Storage.Dataset })),
		region:    resolveString(c, "storage-region", configVal(cfg, func(c *config.Config) string { return c.Storage.Region })),
		endpoint:  resolveString(c, "storage-endpoint", configVal(cfg, func(c *config.Config) string { return c.Storage.Endpoint })),
		pathStyle: resolveBool(c, "storage-s3-path-style", configVal(cfg, func(c *config.Config) bool { return c.Storage.S3PathStyle })),
	}
	if !s.enabled() {
		return s, nil
	}
	if s.dataset == "" {
		s.dataset = lode.DefaultDataset
	}
	if s.backend == "" {
		s.backend = "fs"
	}
	return s, validateStorage(s)
}

func validateStorage(s storageChoice) error {
	if s.path == "" {
		return errors.New("--storage-path is required when --storage-backend is set")
	}
	switch s.backend {
	case "fs":
		info, err := os.Stat(s.path)
		if err != nil {
			return fmt.Errorf("--storage-path %q: %w", s.path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("--storage-path %q is not a directory", s.path)
		}
	case "s3":
		if bucket, _ := lode.ParseS3Path(s.path); bucket == "" {
			return fmt.Errorf("--storage-path %q must be bucket/prefix for s3", s.path)
		}
	default:
		return fmt.Errorf("unknown --storage-backend %q (must be fs or s3)", s.backend)
	}
	if s.backend != "s3" && (s.endpoint != "" || s.pathStyle) {
		fmt.Fprintln(os.Stderr, "Warning: --storage-endpoint and --storage-s3-path-style only apply to the s3 backend")
	}
	return nil
}

func (s storageChoice) s3Config() lode.S3Config {
	bucket, prefix := lode.ParseS3Path(s.path)
	return lode.S3Config{
		Bucket:       bucket,
		Prefix:       prefix,
		Region:       s.region,
		Endpoint:     s.endpoint,
		UsePathStyle: s.pathStyle,
	}
}

func (s storageChoice) factory(ctx context.Context) (lodelib.StoreFactory, error) {
	if s.backend == "s3" {
		return lode.S3Factory(ctx, s.s3Config())
	}
	return lodelib.NewFSFactory(s.path), nil
}

// buildSink opens the writer side of the summary dataset. A disabled
// storage choice returns a nil client.
func buildSink(ctx context.Context, s storageChoice) (lode.Client, error) {
	if !s.enabled() {
		return nil, nil
	}
	factory, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	return lode.NewLodeClientWithFactory(s.dataset, factory)
}

// openDataset opens the reader side of the summary dataset.
func openDataset(ctx context.Context, s storageChoice) (lodelib.Dataset, error) {
	if !s.enabled() {
		return nil, errors.New("--storage-path is required")
	}
	factory, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	return lode.NewDataset(s.dataset, factory)
}
