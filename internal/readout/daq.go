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

// Package readout contains the pipeline stage loops of the data path: the
// readout producer, the parser stage, the listfile writer stage and the
// analysis consumer stage.
package readout

import (
	"fmt"
	"log/slog"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/dialog"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

// StartDAQ prepares an MVLC for autonomous readout: triggers are disabled,
// the trigger I/O and module init sequences run, the readout stacks are
// uploaded at spaced stack memory offsets with their trigger registers set
// and finally DAQ mode is enabled.
func StartDAQ(d *dialog.Dialog, cfg *crateconfig.CrateConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := d.WriteRegister(mvlcconst.DAQModeEnableRegister, 0); err != nil {
		return fmt.Errorf("disabling DAQ mode: %w", err)
	}

	if err := disableTriggers(d); err != nil {
		return err
	}

	if !cfg.InitTriggerIO.Empty() {
		if _, err := d.RunCommands(cfg.InitTriggerIO.Commands(), command.SplitOptions{}); err != nil {
			return fmt.Errorf("running trigger I/O init: %w", err)
		}
	}

	if !cfg.InitCommands.Empty() {
		if _, err := d.RunCommands(cfg.InitCommands.Commands(), command.SplitOptions{}); err != nil {
			return fmt.Errorf("running init commands: %w", err)
		}
	}

	if err := uploadReadoutStacks(d, cfg); err != nil {
		return err
	}

	if err := d.WriteRegister(mvlcconst.DAQModeEnableRegister, 1); err != nil {
		return fmt.Errorf("enabling DAQ mode: %w", err)
	}

	slog.Info("DAQ started", "crateId", cfg.CrateID, "stacks", len(cfg.Stacks))
	return nil
}

// StopDAQ disables DAQ mode and the stack triggers and runs the shutdown
// command sequence.
func StopDAQ(d *dialog.Dialog, cfg *crateconfig.CrateConfig) error {
	if err := d.WriteRegister(mvlcconst.DAQModeEnableRegister, 0); err != nil {
		return fmt.Errorf("disabling DAQ mode: %w", err)
	}

	if err := disableTriggers(d); err != nil {
		return err
	}

	if !cfg.ShutdownCommands.Empty() {
		if _, err := d.RunCommands(cfg.ShutdownCommands.Commands(), command.SplitOptions{}); err != nil {
			return fmt.Errorf("running shutdown commands: %w", err)
		}
	}

	slog.Info("DAQ stopped", "crateId", cfg.CrateID)
	return nil
}

func disableTriggers(d *dialog.Dialog) error {
	for stackID := uint8(0); stackID < mvlcconst.StackCount; stackID++ {
		if err := d.WriteRegister(mvlcconst.StackTriggerRegister(stackID), 0); err != nil {
			return fmt.Errorf("disabling trigger of stack %d: %w", stackID, err)
		}
	}
	return nil
}

// uploadReadoutStacks places the readout stacks into stack memory after
// the area reserved for immediate execution. Readout stacks use the data
// pipe and start at stack id 1.
func uploadReadoutStacks(d *dialog.Dialog, cfg *crateconfig.CrateConfig) error {
	offset := uint16(mvlcconst.ImmediateStackReservedBytes)

	for i, stack := range cfg.Stacks {
		stackID := uint8(mvlcconst.FirstReadoutStackID + i)

		stackBuffer, err := command.MakeStackBuffer(stack.Commands())
		if err != nil {
			return fmt.Errorf("serializing stack %d: %w", stackID, err)
		}

		// start/end words bracket the uploaded image
		uploadWords := len(stackBuffer) + 2

		if int(offset)+uploadWords*4 > mvlcconst.StackMemoryBytes {
			return fmt.Errorf("uploading stack %d: %w", stackID, command.ErrStackMemoryExceeded)
		}

		if err := d.UploadStack(mvlcconst.DataPipe, offset, stack.Commands()); err != nil {
			return fmt.Errorf("uploading stack %d: %w", stackID, err)
		}

		if err := d.WriteRegister(mvlcconst.StackOffsetRegister(stackID), uint32(offset)); err != nil {
			return fmt.Errorf("writing offset register of stack %d: %w", stackID, err)
		}

		if err := d.WriteRegister(mvlcconst.StackTriggerRegister(stackID),
			cfg.Triggers[i].RegisterValue()); err != nil {
			return fmt.Errorf("writing trigger register of stack %d: %w", stackID, err)
		}

		offset += uint16(uploadWords * 4)
	}

	return nil
}
