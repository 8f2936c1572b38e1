//  Copyright (c) 2021-2024 Magma Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package device

import (
	"github.com/magmadb/magma/utils"
)

// Arch identifies a GPU hardware generation.
type Arch int

// Known architectures, oldest first.
const (
	ArchPascal Arch = iota
	ArchVolta
	ArchTuring
	ArchAmpere
	ArchAda
	ArchHopper
	ArchBlackwell
)

var archNames = map[Arch]string{
	ArchPascal:    "Pascal",
	ArchVolta:     "Volta",
	ArchTuring:    "Turing",
	ArchAmpere:    "Ampere",
	ArchAda:       "Ada",
	ArchHopper:    "Hopper",
	ArchBlackwell: "Blackwell",
}

func (a Arch) String() string {
	if name, ok := archNames[a]; ok {
		return name
	}
	return "Unknown"
}

// SMString returns the SM target string passed to the PTX backend. Ada,
// Hopper and Blackwell pin to sm_86 to match the compiler version in use.
func (a Arch) SMString() string {
	switch a {
	case ArchPascal:
		return "sm_60"
	case ArchVolta:
		return "sm_70"
	case ArchTuring:
		return "sm_75"
	case ArchAmpere:
		return "sm_80"
	default:
		return "sm_86"
	}
}

// ArchFromComputeCapability maps a device compute capability to an Arch.
// Compute major below 6 is unsupported and fatal; above 12 logs a warning
// and is treated as Blackwell.
func ArchFromComputeCapability(major, minor int) (Arch, error) {
	switch {
	case major < 6:
		return 0, utils.StackError(nil,
			"unsupported device compute capability %d.%d, minimum is 6.0", major, minor)
	case major == 6:
		return ArchPascal, nil
	case major == 7 && minor < 5:
		return ArchVolta, nil
	case major == 7:
		return ArchTuring, nil
	case major == 8 && minor < 9:
		return ArchAmpere, nil
	case major == 8:
		return ArchAda, nil
	case major == 9:
		return ArchHopper, nil
	case major <= 12:
		return ArchBlackwell, nil
	default:
		utils.GetLogger().Warnf(
			"Unrecognized device compute capability %d.%d, treating as Blackwell", major, minor)
		return ArchBlackwell, nil
	}
}
