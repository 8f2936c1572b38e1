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

package cmd

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/utils"
)

// AddFlags adds flags to command
func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "config/magma.yaml", "Magma config file")
	cmd.PersistentFlags().IntP("port", "p", 0, "Magma service port")
	cmd.PersistentFlags().IntP("debug_port", "d", 0, "Magma service debug port")
	cmd.PersistentFlags().Int("device_count", 1, "Number of simulated devices when no hardware driver is available")
}

// ReadConfig populates MagmaServerConfig
func ReadConfig(defaultCfg map[string]interface{}, flags *pflag.FlagSet) (common.MagmaServerConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	// bind command flags
	v.BindPFlags(flags)

	utils.BindEnvironments(v)

	// set defaults
	v.SetDefault("device", map[string]interface{}{
		"device_memory_utilization": 0.95,
		"device_choosing_timeout":   10,
	})
	v.SetDefault("codegen", map[string]interface{}{
		"code_cache_size":           128,
		"code_cache_evict_fraction": 0.3,
	})
	v.MergeConfigMap(defaultCfg)

	// merge in config file
	if cfgFile, err := flags.GetString("config"); err == nil && cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("magma")
		v.AddConfigPath("./config")
	}

	if err := v.MergeInConfig(); err == nil {
		fmt.Println("Using config file: ", v.ConfigFileUsed())
	}

	var cfg common.MagmaServerConfig
	err := v.Unmarshal(&cfg, func(config *mapstructure.DecoderConfig) {
		config.TagName = "yaml"
	})
	return cfg, err
}
