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
	"github.com/magmadb/magma/common"
	"github.com/spf13/viper"
	"github.com/uber-go/tally"
)

// stores all common components together to avoid scattered references.
var (
	logger          common.Logger
	queryLogger     common.Logger
	reporterFactory *ReporterFactory
	config          common.MagmaServerConfig
)

// init loads default implementations of common components for unit tests' purpose.
func init() {
	ResetDefaults()
}

// ResetDefaults reset default config, logger and metrics settings
func ResetDefaults() {
	logger = common.NewLoggerFactory().GetDefaultLogger()
	queryLogger = common.NewLoggerFactory().GetDefaultLogger()
	scope := tally.NewTestScope("test", nil)
	reporterFactory = NewReporterFactory(scope)

	BindEnvironments(viper.GetViper())
	viper.ReadInConfig()

	config = common.MagmaServerConfig{}
	viper.Unmarshal(&config)
}

// Init loads application specific common components settings.
func Init(c common.MagmaServerConfig, l common.Logger, ql common.Logger, s tally.Scope) {
	config = c
	logger = l
	queryLogger = ql
	reporterFactory = NewReporterFactory(s)
}

// GetLogger returns the logger.
func GetLogger() common.Logger {
	return logger
}

// GetQueryLogger returns the logger for query.
func GetQueryLogger() common.Logger {
	return queryLogger
}

// GetRootReporter returns the root metrics reporter.
func GetRootReporter() *Reporter {
	return reporterFactory.GetRootReporter()
}

// GetConfig returns the application config.
func GetConfig() common.MagmaServerConfig {
	return config
}
