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

package codegen

import (
	"github.com/magmadb/magma/utils"
)

// LinkMode controls symbol collision handling while linking.
type LinkMode int

// Link modes.
const (
	// LinkNone fails when a definition would overwrite another definition.
	LinkNone LinkMode = iota
	// LinkOverrideFromSrc lets source definitions replace destination
	// definitions. Used for device library linking.
	LinkOverrideFromSrc
)

// LinkModules merges the source module's functions into the destination.
// Declarations resolve against definitions from either side; definition
// collisions follow the link mode.
func LinkModules(dst, src *Module, mode LinkMode) error {
	for _, fn := range src.Functions {
		existing := dst.FindFunction(fn.Name)
		if existing == nil {
			dst.Functions = append(dst.Functions, fn)
			continue
		}
		if fn.IsDeclaration() {
			continue
		}
		if existing.IsDeclaration() {
			// definition resolves the declaration
			dst.RemoveFunction(fn.Name)
			dst.Functions = append(dst.Functions, fn)
			continue
		}
		if mode != LinkOverrideFromSrc {
			return utils.StackError(nil, "linking would overwrite definition of %s", fn.Name)
		}
		dst.RemoveFunction(fn.Name)
		dst.Functions = append(dst.Functions, fn)
	}
	for flag, value := range src.Flags {
		if _, ok := dst.Flags[flag]; !ok {
			dst.Flags[flag] = value
		}
	}
	return nil
}
