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

package command

import "fmt"

// MarshalYAML encodes the command type as its symbolic name.
func (t StackCommandType) MarshalYAML() (any, error) {
	return t.String(), nil
}

// UnmarshalYAML decodes the symbolic command type name.
func (t *StackCommandType) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}

	for ct := StackCmdStackStart; ct <= StackCmdSoftwareDelay; ct++ {
		if ct.String() == name {
			*t = ct
			return nil
		}
	}
	return fmt.Errorf("unknown stack command type %q", name)
}
