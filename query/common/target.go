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

// SQLTypeKind enumerates the physical SQL value kinds the core
// materializes.
type SQLTypeKind int

// Supported SQL value kinds.
const (
	KindInt8 SQLTypeKind = iota
	KindInt16
	KindInt32
	KindInt64
	KindFloat
	KindDouble
	KindText
	KindArray
	KindGeoPoint
	KindGeoLineString
	KindGeoPolygon
	KindGeoMultiPolygon
)

// SQLType describes one output value type.
type SQLType struct {
	Kind    SQLTypeKind
	NotNull bool
	// element width for arrays, in bytes
	ElemWidth int
}

// Width returns the slot byte width of the kind, or 0 for varlen kinds.
func (t SQLType) Width() int {
	switch t.Kind {
	case KindInt8:
		return 1
	case KindInt16:
		return 2
	case KindInt32, KindFloat:
		return 4
	case KindInt64, KindDouble:
		return 8
	default:
		return 0
	}
}

// IsFloatingPoint reports whether the kind is float or double.
func (t SQLType) IsFloatingPoint() bool {
	return t.Kind == KindFloat || t.Kind == KindDouble
}

// IsVarlen reports whether the kind needs flat-buffer materialization.
func (t SQLType) IsVarlen() bool {
	return t.Kind == KindText || t.Kind == KindArray || t.IsGeo()
}

// IsGeo reports whether the kind is a geospatial type.
func (t SQLType) IsGeo() bool {
	switch t.Kind {
	case KindGeoPoint, KindGeoLineString, KindGeoPolygon, KindGeoMultiPolygon:
		return true
	}
	return false
}

// GeoDims returns the nested-array dimensionality of a geo kind:
// 1 for linestring/multipoint, 2 for polygon/multilinestring,
// 3 for multipolygon. Points are fixed-size and report 0.
func (t SQLType) GeoDims() int {
	switch t.Kind {
	case KindGeoLineString:
		return 1
	case KindGeoPolygon:
		return 2
	case KindGeoMultiPolygon:
		return 3
	}
	return 0
}

// AggKind enumerates aggregate kinds of an output target.
type AggKind int

// Aggregate kinds.
const (
	AggNone AggKind = iota
	AggCount
	AggCountIf
	AggSum
	AggSumIf
	AggMin
	AggMax
	AggAvg
	AggSample
	AggSingleValue
	AggApproxCountDistinct
	AggApproxQuantile
	AggMode
)

// TargetInfo describes one output target of a query.
type TargetInfo struct {
	Type     SQLType
	Agg      AggKind
	Nullable bool
	// quantile fraction in [0, 1]; meaningful only for approximate
	// quantile targets
	Quantile float64
	// count-distinct implementation descriptor; nil unless the target is a
	// count-distinct aggregate
	CountDistinct *CountDistinctDescriptor
}

// SlotCount returns how many result-row slots the target occupies.
// AVG stores (sum, count).
func (t TargetInfo) SlotCount() int {
	if t.Agg == AggAvg {
		return 2
	}
	return 1
}

// IsMultiSlot reports whether the target needs more than a single direct
// slot write: AVG, SAMPLE of varlen/geo, approximate quantile, MODE and
// count-distinct aggregates all carry auxiliary state.
func (t TargetInfo) IsMultiSlot() bool {
	switch t.Agg {
	case AggAvg, AggApproxQuantile, AggMode, AggApproxCountDistinct:
		return true
	case AggSample:
		return t.Type.IsVarlen()
	}
	return t.CountDistinct != nil
}

// CountDistinctImpl selects the count-distinct state representation.
type CountDistinctImpl int

// Count-distinct implementations.
const (
	CountDistinctBitmap CountDistinctImpl = iota
	CountDistinctHashSet
)

// CountDistinctDescriptor describes the count-distinct state of one target.
type CountDistinctDescriptor struct {
	Impl            CountDistinctImpl
	BitmapSizeBytes int64
	MinValue        int64
}
