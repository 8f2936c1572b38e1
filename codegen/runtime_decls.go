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
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// runtimeDeclarationsPrelude is the fixed set of runtime helper
// declarations concatenated into the device compilation input. Any helper
// a generated body calls must appear here or in the generated families
// below.
const runtimeDeclarationsPrelude = `declare i32 @record_error_code(i32)
declare i32 @dynamic_watchdog()
declare i32 @check_interrupt()
declare void @init_shared_mem_nop(i8*, i32)
declare void @write_back_nop(i8*, i8*, i32)
declare i8* @allocate_varlen_buffer(i64, i64)
declare void @register_buffer_with_executor_rsm(i64, i8*)
declare i64 @agg_count(i64*, i64)
declare i64 @agg_count_skip_val(i64*, i64, i64)
declare i64 @agg_count_if(i64*, i64)
declare i64 @agg_sum(i64*, i64)
declare i64 @agg_sum_skip_val(i64*, i64, i64)
declare i64 @agg_sum_if(i64*, i64, i8)
declare void @agg_min(i64*, i64)
declare void @agg_max(i64*, i64)
declare void @agg_id(i64*, i64)
declare void @agg_approximate_count_distinct(i64*, i64, i64)
declare void @agg_approx_quantile(i64*, double)
declare void @agg_mode_func(i64*, i64)
declare i64 @extract_epoch(i64)
declare i64 @date_trunc_day(i64)
declare i64 @date_trunc_hour(i64)
declare i64 @array_size(i8*, i64, i32)
declare i8 @array_at_i8(i8*, i64, i64)
declare i32 @array_at_i32(i8*, i64, i64)
declare i64 @string_length(i8*, i32)
declare i32 @string_eq(i8*, i32, i8*, i32)
declare double @point_distance(double, double, double, double)
declare i8 @point_in_polygon(double, double, i8*, i32)
`

var (
	arrayElemTypes    = []string{"i8", "i16", "i32", "i64", "float", "double"}
	arrayAnyAllOps    = []string{"eq", "ne", "lt", "le", "gt", "ge"}
	dotProductChunks  = []string{"chunk", "literal"}
	translateKeyTypes = []string{"i8", "i16", "i32", "i64"}
)

// GenerateRuntimeDeclarations renders the full declaration text: the fixed
// prelude plus the programmatically generated families (array any/all per
// element type and comparison, array dot product per type pair and operand
// source, and null key translation per key width).
func GenerateRuntimeDeclarations() string {
	var b bytes.Buffer
	b.WriteString(runtimeDeclarationsPrelude)
	for _, elem := range arrayElemTypes {
		for _, op := range arrayAnyAllOps {
			fmt.Fprintf(&b, "declare i1 @array_any_%s_%s(i8*, i64, %s)\n", op, elem, elem)
			fmt.Fprintf(&b, "declare i1 @array_all_%s_%s(i8*, i64, %s)\n", op, elem, elem)
		}
	}
	for _, left := range arrayElemTypes {
		for _, right := range arrayElemTypes {
			for _, src := range dotProductChunks {
				fmt.Fprintf(&b, "declare double @array_dot_product_%s_%s_%s(i8*, i64, i8*, i64)\n",
					left, right, src)
			}
		}
	}
	for _, key := range translateKeyTypes {
		fmt.Fprintf(&b, "declare i64 @translate_null_key_%s(%s, %s, i64)\n", key, key, key)
	}
	return b.String()
}

var (
	runtimeDeclaredOnce  sync.Once
	runtimeDeclaredNames map[string]bool
)

// IsRuntimeHelperDeclared reports whether a callee resolves through the
// runtime declaration set, i.e. has a device-side implementation.
func IsRuntimeHelperDeclared(name string) bool {
	runtimeDeclaredOnce.Do(func() {
		runtimeDeclaredNames = map[string]bool{}
		for _, line := range strings.Split(GenerateRuntimeDeclarations(), "\n") {
			at := strings.Index(line, "@")
			open := strings.Index(line, "(")
			if at < 0 || open <= at {
				continue
			}
			runtimeDeclaredNames[line[at+1:open]] = true
		}
	})
	return runtimeDeclaredNames[name]
}
