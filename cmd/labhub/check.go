package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/nerrad567/labhub-core/internal/apparatus"
	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

// errNoDefinition is returned when lab.definition is not set.
var errNoDefinition = errors.New("lab.definition is required")

// check loads the configuration and apparatus definition without
// connecting to anything.
func check(out io.Writer, configPath string) error {
	cfg, def, err := loadAll(configPath)
	if err != nil {
		return err
	}
	weak, err := checkOperator(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "configuration %s is valid (lab %s, store %s)\n", configPath, cfg.Lab.ID, cfg.Store.Backend)
	if weak {
		fmt.Fprintln(out, "warning: operator password hash uses weak parameters, regenerate it with labhub hash-password")
	}
	fmt.Fprintf(out, "apparatus %s is valid: %d things, %d watchdogs, %d experiments, %d processes\n",
		def.Hub, len(def.Things), len(def.Watchdogs), len(def.Experiments), len(def.Processes))
	return nil
}

func loadAll(configPath string) (*config.Config, *apparatus.Definition, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Lab.Definition == "" {
		return nil, nil, errNoDefinition
	}
	def, err := apparatus.Load(cfg.Lab.Definition)
	if err != nil {
		return nil, nil, fmt.Errorf("loading apparatus: %w", err)
	}
	return cfg, def, nil
}
