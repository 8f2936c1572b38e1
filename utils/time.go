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
	"sync/atomic"
	"time"
)

// NowFunc type for function of getting current time
type NowFunc func() time.Time

// TimeIncrementer increment current time by configurable incremental
type TimeIncrementer struct {
	IncBySecond int64
	currentSec  int64
}

var nowFunc NowFunc

func init() {
	ResetClockImplementation()
}

// ResetClockImplementation resets implementation to use time.Now
func ResetClockImplementation() {
	nowFunc = time.Now
}

// SetClockImplementation sets implementation to use passed in nowFunc
func SetClockImplementation(f NowFunc) {
	nowFunc = f
}

// SetCurrentTime sets the clock implementation to the specified time,
func SetCurrentTime(t time.Time) {
	nowFunc = func() time.Time {
		return t
	}
}

// Now returns current time using nowFunc
func Now() time.Time {
	return nowFunc()
}

// Now increment current time by one second at a time
func (r *TimeIncrementer) Now() time.Time {
	return time.Unix(atomic.AddInt64(&r.currentSec, r.IncBySecond), 0)
}
