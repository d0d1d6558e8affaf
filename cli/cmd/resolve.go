package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/dwiflow/cli/config"
)

// Precedence for every setting: explicit flag, then config file, then the
// flag default.

func resolveString(c *cli.Context, flag, cfgVal string) string {
	if c.IsSet(flag) || cfgVal == "" {
		return c.String(flag)
	}
	return cfgVal
}

func resolveSlice(c *cli.Context, flag string, cfgVal []string) []string {
	if c.IsSet(flag) || len(cfgVal) == 0 {
		return c.StringSlice(flag)
	}
	return cfgVal
}

func resolveInt(c *cli.Context, flag string, cfgVal int) int {
	if c.IsSet(flag) || cfgVal == 0 {
		return c.Int(flag)
	}
	return cfgVal
}

func resolveBool(c *cli.Context, flag string, cfgVal bool) bool {
	if c.IsSet(flag) {
		return c.Bool(flag)
	}
	return cfgVal || c.Bool(flag)
}

func resolveDuration(c *cli.Context, flag string, cfgVal time.Duration) time.Duration {
	if c.IsSet(flag) || cfgVal == 0 {
		return c.Duration(flag)
	}
	return cfgVal
}

// configVal reads a field of an optional config.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}

// loadConfig loads --config when given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}
