// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds optional file-based defaults for the daemon. Flags that were
// set explicitly on the command line win over file values.
type Config struct {
	Addr     string `yaml:"addr"`
	LogDir   string `yaml:"log_dir"`
	InitFile string `yaml:"init_file"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
