package main

import (
	"flag"
	"fmt"

	"github.com/vmtrace/vmtrace/pkg/config"
)

// configFlags is embedded by every subcommand that needs a -config
// flag pointing at a TOML tunables file (pkg/config.Load).
type configFlags struct {
	path string
}

func (c *configFlags) register(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "path to a TOML runtime configuration file")
}

func (c *configFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.path)
	if err != nil {
		return nil, fmt.Errorf("vmtrace-launch: %w", err)
	}
	return cfg, nil
}
