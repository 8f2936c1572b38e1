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

package utils

import (
	"github.com/uber-go/tally"
)

// MetricName is the type of the metric.
type MetricName int

// List of supported metric names.
const (
	AllocatedDeviceMemory MetricName = iota
	EstimatedDeviceMemory
	DeviceAllocationCount
	DeviceTransferBytes
	DeviceTransferTiming
	JumpBufferTransferBytes
	QueryFailed
	QuerySucceeded
	QueryLatency
	QueryWaitForMemoryDuration
	QueryInterrupted
	QueryTimedOut
	CompilationLatency
	CodeCacheHit
	CodeCacheMiss
	CodeCacheEviction
	CodeCacheSize
	PTXEmissionLatency
	ColumnarizationLatency
	ColumnarRowsWritten
	// Enum sentinel.
	NumMetricNames
)

// MetricType is the supported metric type.
type MetricType int

// MetricTypes which are supported.
const (
	Counter MetricType = iota
	Gauge
	Timer
)

// metricDefinition contains the definition for a metric.
type metricDefinition struct {
	// scope name for this definition
	name string
	// additional tags
	tags map[string]string
	// metric type
	metricType MetricType

	// cached tally counter
	counter tally.Counter

	// cached tally gauge
	gauge tally.Gauge

	// cached tally timer
	timer tally.Timer
}

// Scope names.
const (
	scopeNameAllocatedDeviceMemory  = "allocated_device_memory"
	scopeNameEstimatedDeviceMemory  = "estimated_device_memory"
	scopeNameDeviceAllocationCount  = "device_allocation_count"
	scopeNameDeviceTransferBytes    = "device_transfer_bytes"
	scopeNameDeviceTransferTiming   = "device_transfer_timing"
	scopeNameJumpBufferBytes        = "jump_buffer_transfer_bytes"
	scopeNameQueryFailed            = "query_failed"
	scopeNameQuerySucceeded         = "query_succeeded"
	scopeNameQueryLatency           = "query_latency"
	scopeNameQueryWaitForMemory     = "query_wait_for_memory_duration"
	scopeNameQueryInterrupted       = "query_interrupted"
	scopeNameQueryTimedOut          = "query_timed_out"
	scopeNameCompilationLatency     = "compilation_latency"
	scopeNameCodeCacheHit           = "code_cache_hit"
	scopeNameCodeCacheMiss          = "code_cache_miss"
	scopeNameCodeCacheEviction      = "code_cache_eviction"
	scopeNameCodeCacheSize          = "code_cache_size"
	scopeNamePTXEmissionLatency     = "ptx_emission_latency"
	scopeNameColumnarizationLatency = "columnarization_latency"
	scopeNameColumnarRowsWritten    = "columnar_rows_written"
)

// Metric tag names
const (
	metricsTagComponent = "component"
	metricsTagDevice    = "device"
)

// Metric component tag values
const (
	metricsComponentDevice       = "device"
	metricsComponentQuery        = "query"
	metricsComponentCodegen      = "codegen"
	metricsComponentColumnarizer = "columnarizer"
)

var metricsDefs = map[MetricName]metricDefinition{
	AllocatedDeviceMemory: {
		name:       scopeNameAllocatedDeviceMemory,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	EstimatedDeviceMemory: {
		name:       scopeNameEstimatedDeviceMemory,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	DeviceAllocationCount: {
		name:       scopeNameDeviceAllocationCount,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	DeviceTransferBytes: {
		name:       scopeNameDeviceTransferBytes,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	DeviceTransferTiming: {
		name:       scopeNameDeviceTransferTiming,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	JumpBufferTransferBytes: {
		name:       scopeNameJumpBufferBytes,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentDevice,
		},
	},
	QueryFailed: {
		name:       scopeNameQueryFailed,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	QuerySucceeded: {
		name:       scopeNameQuerySucceeded,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	QueryLatency: {
		name:       scopeNameQueryLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	QueryWaitForMemoryDuration: {
		name:       scopeNameQueryWaitForMemory,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	QueryInterrupted: {
		name:       scopeNameQueryInterrupted,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	QueryTimedOut: {
		name:       scopeNameQueryTimedOut,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentQuery,
		},
	},
	CompilationLatency: {
		name:       scopeNameCompilationLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	CodeCacheHit: {
		name:       scopeNameCodeCacheHit,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	CodeCacheMiss: {
		name:       scopeNameCodeCacheMiss,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	CodeCacheEviction: {
		name:       scopeNameCodeCacheEviction,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	CodeCacheSize: {
		name:       scopeNameCodeCacheSize,
		metricType: Gauge,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	PTXEmissionLatency: {
		name:       scopeNamePTXEmissionLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentCodegen,
		},
	},
	ColumnarizationLatency: {
		name:       scopeNameColumnarizationLatency,
		metricType: Timer,
		tags: map[string]string{
			metricsTagComponent: metricsComponentColumnarizer,
		},
	},
	ColumnarRowsWritten: {
		name:       scopeNameColumnarRowsWritten,
		metricType: Counter,
		tags: map[string]string{
			metricsTagComponent: metricsComponentColumnarizer,
		},
	},
}

func (def *metricDefinition) init(rootScope tally.Scope) {
	switch def.metricType {
	case Counter:
		def.counter = rootScope.Tagged(def.tags).Counter(def.name)
	case Gauge:
		def.gauge = rootScope.Tagged(def.tags).Gauge(def.name)
	case Timer:
		def.timer = rootScope.Tagged(def.tags).Timer(def.name)
	}
}

// ReporterFactory manages the root reporter for the process.
type ReporterFactory struct {
	rootReporter *Reporter
}

// NewReporterFactory returns a new report factory.
func NewReporterFactory(rootScope tally.Scope) *ReporterFactory {
	return &ReporterFactory{
		rootReporter: NewReporter(rootScope),
	}
}

// GetRootReporter returns the root reporter.
func (f *ReporterFactory) GetRootReporter() *Reporter {
	return f.rootReporter
}

// Reporter is the interface used to report stats,
type Reporter struct {
	rootScope         tally.Scope
	cachedDefinitions []metricDefinition
}

// NewReporter returns a new reporter with supplied root scope.
func NewReporter(rootScope tally.Scope) *Reporter {
	defs := make([]metricDefinition, NumMetricNames)
	for key, metricDefinition := range metricsDefs {
		metricDefinition.init(rootScope)
		defs[key] = metricDefinition
	}
	return &Reporter{rootScope: rootScope, cachedDefinitions: defs}
}

// GetCounter returns the tally counter with corresponding tags.
func (r *Reporter) GetCounter(n MetricName) tally.Counter {
	def := r.cachedDefinitions[n]
	if def.metricType == Counter {
		return def.counter
	}
	GetLogger().Panicf("Cannot get counter given %d", n)
	return nil
}

// GetGauge returns the tally gauge with corresponding tags.
func (r *Reporter) GetGauge(n MetricName) tally.Gauge {
	def := r.cachedDefinitions[n]
	if def.metricType == Gauge {
		return def.gauge
	}
	GetLogger().Panicf("Cannot get gauge given %d", n)
	return nil
}

// GetTimer returns the tally timer with corresponding tags.
func (r *Reporter) GetTimer(n MetricName) tally.Timer {
	def := r.cachedDefinitions[n]
	if def.metricType == Timer {
		return def.timer
	}
	GetLogger().Panicf("Cannot get timer given %d", n)
	return nil
}

// GetChildCounter create tagged child counter from reporter
func (r *Reporter) GetChildCounter(tags map[string]string, n MetricName) tally.Counter {
	childScope := r.rootScope.Tagged(tags)
	def := r.cachedDefinitions[n]
	if def.metricType == Counter {
		return childScope.Tagged(def.tags).Counter(def.name)
	}
	GetLogger().Panicf("Cannot get child counter given %d", n)
	return nil
}

// GetChildGauge create tagged child gauge from reporter
func (r *Reporter) GetChildGauge(tags map[string]string, n MetricName) tally.Gauge {
	childScope := r.rootScope.Tagged(tags)
	def := r.cachedDefinitions[n]
	if def.metricType == Gauge {
		return childScope.Tagged(def.tags).Gauge(def.name)
	}
	GetLogger().Panicf("Cannot get child gauge given %d", n)
	return nil
}

// GetChildTimer create tagged child timer from reporter
func (r *Reporter) GetChildTimer(tags map[string]string, n MetricName) tally.Timer {
	childScope := r.rootScope.Tagged(tags)
	def := r.cachedDefinitions[n]
	if def.metricType == Timer {
		return childScope.Tagged(def.tags).Timer(def.name)
	}
	GetLogger().Panicf("Cannot get child timer given %d", n)
	return nil
}

// GetRootScope returns the root scope wrapped by this reporter.
func (r *Reporter) GetRootScope() tally.Scope {
	return r.rootScope
}
