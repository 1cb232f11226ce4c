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

package crateconfig_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesytec-daq/mvlcd/internal/crateconfig"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/command"
	"github.com/mesytec-daq/mvlcd/internal/mvlc/mvlcconst"
)

func makeTestConfig() *crateconfig.CrateConfig {
	cc := &crateconfig.CrateConfig{
		CrateID: 2,
		Connection: crateconfig.Connection{
			Type:      "usb",
			USBIndex:  42,
			USBSerial: "1234",
		},
	}

	var sb command.StackBuilder
	sb.BeginGroup("module0")
	sb.AddVMEBlockRead(0x00000000, mvlcconst.MBLT64, 0xFFFF)
	sb.BeginGroup("module1")
	sb.AddVMEBlockRead(0x10000000, mvlcconst.MBLT64, 0xFFFF)
	sb.BeginGroup("reset")
	sb.AddVMEWrite(0xBB006070, 1, mvlcconst.A32, mvlcconst.D32)

	cc.Stacks = append(cc.Stacks, sb)
	cc.Triggers = append(cc.Triggers, crateconfig.Trigger{
		Type:     mvlcconst.TriggerIRQNoIACK,
		IRQLevel: 1,
	})

	cc.InitCommands.AddVMEWrite(0xBB006090, 3, mvlcconst.A32, mvlcconst.D16)
	cc.ShutdownCommands.AddVMEWrite(0xBB006090, 0, mvlcconst.A32, mvlcconst.D16)

	return cc
}

func TestCrateConfigYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	cc := makeTestConfig()
	require.NoError(t, cc.Validate())

	yamlText, err := crateconfig.ToYAML(cc)
	require.NoError(t, err)

	cc2, err := crateconfig.FromYAML(yamlText)
	require.NoError(t, err)

	if !cmp.Equal(cc, cc2) {
		t.Errorf("config did not round trip: %s", cmp.Diff(cc, cc2))
	}
}

func TestCrateConfigValidate(t *testing.T) {
	t.Parallel()

	cc := makeTestConfig()
	cc.Triggers = nil
	assert.ErrorIs(t, cc.Validate(), crateconfig.ErrStackTriggerMismatch)

	cc = makeTestConfig()
	cc.Connection.Type = "carrier-pigeon"
	assert.Error(t, cc.Validate())
}

func TestTriggerRegisterValue(t *testing.T) {
	t.Parallel()

	// IRQ triggers encode IRQ-1 in the trigger bits.
	trigger := crateconfig.Trigger{Type: mvlcconst.TriggerIRQNoIACK, IRQLevel: 1}
	want := uint32(mvlcconst.TriggerIRQNoIACK) << mvlcconst.TriggerTypeShift
	assert.Equal(t, want, trigger.RegisterValue())

	trigger = crateconfig.Trigger{Type: mvlcconst.TriggerIRQNoIACK, IRQLevel: 3}
	assert.Equal(t, want|2, trigger.RegisterValue())

	external := crateconfig.Trigger{Type: mvlcconst.TriggerExternal}
	assert.Equal(t, uint32(mvlcconst.TriggerExternal)<<mvlcconst.TriggerTypeShift,
		external.RegisterValue())
}
