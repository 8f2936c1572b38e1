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

package common

import "math"

// Error codes threaded through the per-kernel error slot. Generated code
// writes them via the record_error_code runtime helper; the host polls the
// slot after kernel return.
const (
	ErrorCodeNone        int32 = 0
	ErrorCodeDivByZero   int32 = 1
	ErrorCodeOutOfTime   int32 = 2
	ErrorCodeInterrupted int32 = 3
	ErrorCodeOutOfMemory int32 = 4
	ErrorCodeOverflow    int32 = 5
)

// Empty-row key sentinels per key width. A group-by row whose first key slot
// equals the sentinel is empty.
const (
	EmptyKey64 int64 = math.MaxInt64
	EmptyKey32 int32 = math.MaxInt32
	EmptyKey16 int16 = math.MaxInt16
	EmptyKey8  int8  = math.MaxInt8
)

// Null sentinels for nullable slots, per width.
const (
	NullInt64  int64   = math.MinInt64
	NullInt32  int32   = math.MinInt32
	NullInt16  int16   = math.MinInt16
	NullInt8   int8    = math.MinInt8
	NullFloat  float32 = -math.MaxFloat32
	NullDouble float64 = -math.MaxFloat64
)
