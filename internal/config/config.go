// SPDX-License-Identifier: AGPL-3.0-or-later
// mvlcd - Mesytec MVLC data acquisition in a single binary
// Copyright (C) 2025-2026 The mvlcd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/mesytec-daq/mvlcd>

// Package config stores the application configuration.
package config

import (
	"fmt"
)

// Config stores the application configuration.
type Config struct {
	LogLevel LogLevel `name:"log-level" description:"Log level (debug, info, warn, error)" default:"info"`

	Listfile ListfileConfig `name:"listfile"`
	Metrics  MetricsConfig  `name:"metrics"`
}

// ListfileConfig configures the listfile archive writer.
type ListfileConfig struct {
	Enabled     bool   `name:"enabled" description:"Write a listfile archive during readout" default:"true"`
	Directory   string `name:"directory" description:"Directory listfile archives are written to" default:"."`
	SplitSizeMB int64  `name:"split-size-mb" description:"Entry split threshold in MiB, 0 disables splitting" default:"1024"`
	Compression string `name:"compression" description:"Entry compression (none, lz4)" default:"lz4"`
}

// MetricsConfig configures the prometheus endpoint and tracing.
type MetricsConfig struct {
	Enabled      bool   `name:"enabled" description:"Serve prometheus metrics" default:"false"`
	Bind         string `name:"bind" description:"Metrics listen address" default:"0.0.0.0"`
	Port         int    `name:"port" description:"Metrics listen port" default:"9100"`
	OTLPEndpoint string `name:"otlp-endpoint" description:"OTLP trace collector endpoint, empty disables tracing" default:""`
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	switch c.Listfile.Compression {
	case "none", "lz4":
	default:
		return fmt.Errorf("invalid listfile compression %q", c.Listfile.Compression)
	}

	if c.Listfile.SplitSizeMB < 0 {
		return fmt.Errorf("negative listfile split size")
	}

	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}

	return nil
}
