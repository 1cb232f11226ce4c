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

// Package crateconfig models the readout description of one crate: the
// connection to its MVLC, the readout stacks with their triggers and the
// command sequences run at DAQ start and stop.
//
// Crate configs are produced by the configuration layer, serialized as
// YAML and read-only during a readout run.
package crateconfig

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

var ErrStackTriggerMismatch = errors.New("number of stacks and triggers differ")

// Connection describes how to reach the crate's MVLC.
type Connection struct {
	Type      string `yaml:"type"` // "usb" or "eth"
	USBIndex  int    `yaml:"usb_index,omitempty"`
	USBSerial string `yaml:"usb_serial,omitempty"`
	ETHHost   string `yaml:"eth_host,omitempty"`
}

// ConnectionType maps the textual type to the transport enum.
func (c Connection) ConnectionType() (mvlcconst.ConnectionType, error) {
	switch c.Type {
	case "usb":
		return mvlcconst.ConnectionUSB, nil
	case "eth":
		return mvlcconst.ConnectionETH, nil
	}
	return 0, fmt.Errorf("unknown connection type %q", c.Type)
}

// Trigger describes when a readout stack executes.
type Trigger struct {
	Type     mvlcconst.TriggerType `yaml:"type"`
	IRQLevel uint8                 `yaml:"irq_level,omitempty"`
	Period   uint32                `yaml:"period,omitempty"`
}

// RegisterValue encodes the trigger into its trigger register value.
func (t Trigger) RegisterValue() uint32 {
	value := uint32(t.Type&mvlcconst.TriggerTypeMask) << mvlcconst.TriggerTypeShift
	if t.Type == mvlcconst.TriggerIRQWithIACK || t.Type == mvlcconst.TriggerIRQNoIACK {
		if t.IRQLevel > 0 {
			value |= uint32(t.IRQLevel-1) & mvlcconst.TriggerBitsMask
		}
	}
	return value
}

// CrateConfig is the complete readout description of one crate. Stack 0 is
// reserved for ad-hoc dialog use; readout stacks start at stack id 1, so
// Stacks[0] describes stack id 1.
type CrateConfig struct {
	CrateID    uint8      `yaml:"crate_id"`
	Connection Connection `yaml:"connection"`

	Stacks   []command.StackBuilder `yaml:"readout_stacks"`
	Triggers []Trigger              `yaml:"triggers"`

	InitCommands     command.StackBuilder `yaml:"init_commands,omitempty"`
	ShutdownCommands command.StackBuilder `yaml:"shutdown_commands,omitempty"`
	InitTriggerIO    command.StackBuilder `yaml:"init_trigger_io,omitempty"`
}

// Validate checks the structural invariants.
func (c *CrateConfig) Validate() error {
	if len(c.Stacks) != len(c.Triggers) {
		return fmt.Errorf("%w: %d stacks, %d triggers",
			ErrStackTriggerMismatch, len(c.Stacks), len(c.Triggers))
	}
	if len(c.Stacks) > mvlcconst.StackCount-1 {
		return fmt.Errorf("too many readout stacks: %d", len(c.Stacks))
	}
	if _, err := c.Connection.ConnectionType(); err != nil {
		return err
	}
	return nil
}

// ToYAML serializes the config.
func ToYAML(c *CrateConfig) (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FromYAML deserializes a config. ToYAML followed by FromYAML yields an
// identical config.
func FromYAML(in string) (*CrateConfig, error) {
	var c CrateConfig
	if err := yaml.Unmarshal([]byte(in), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
