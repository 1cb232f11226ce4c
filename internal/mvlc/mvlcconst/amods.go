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

package mvlcconst

// VME address modifiers.
const (
	A32UserData    uint8 = 0x09
	A32UserProgram uint8 = 0x0A
	A32UserBlock   uint8 = 0x0B
	A32UserBlock64 uint8 = 0x08

	A32PrivData    uint8 = 0x0D
	A32PrivProgram uint8 = 0x0E
	A32PrivBlock   uint8 = 0x0F
	A32PrivBlock64 uint8 = 0x0C

	A24UserData    uint8 = 0x39
	A24UserProgram uint8 = 0x3A
	A24UserBlock   uint8 = 0x3B

	A24PrivData    uint8 = 0x3D
	A24PrivProgram uint8 = 0x3E
	A24PrivBlock   uint8 = 0x3F

	A16User uint8 = 0x29
	A16Priv uint8 = 0x2D

	// Defaults using the privileged modes.
	A16        = A16Priv
	A24        = A24PrivData
	A32        = A32PrivData
	BLT32      = A32PrivBlock
	MBLT64     = A32PrivBlock64
	Blk2eSST64 uint8 = 0x21
)

// IsBlockAmod reports whether the address modifier selects any of the VME
// block transfer modes.
func IsBlockAmod(amod uint8) bool {
	switch amod {
	case A32UserBlock, A32UserBlock64, A32PrivBlock, A32PrivBlock64,
		A24UserBlock, Blk2eSST64:
		return true
	}
	return false
}

// IsBLTAmod reports whether the address modifier selects 32-bit block
// transfer mode.
func IsBLTAmod(amod uint8) bool {
	switch amod {
	case A32UserBlock, A32PrivBlock, A24UserBlock:
		return true
	}
	return false
}

// IsMBLTAmod reports whether the address modifier selects 64-bit multiplexed
// block transfer mode.
func IsMBLTAmod(amod uint8) bool {
	return amod == A32UserBlock64 || amod == A32PrivBlock64
}

// IsESST64Amod reports whether the address modifier selects 2eSST64 mode.
func IsESST64Amod(amod uint8) bool {
	return amod == Blk2eSST64
}
