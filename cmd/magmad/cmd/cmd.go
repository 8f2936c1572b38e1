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

	"github.com/spf13/cobra"

	"github.com/magmadb/magma/codegen"
	"github.com/magmadb/magma/common"
	"github.com/magmadb/magma/cudriver"
	"github.com/magmadb/magma/device"
	"github.com/magmadb/magma/utils"
)

// Options represents options for executing command
type Options struct {
	DefaultCfg   map[string]interface{}
	ServerLogger common.Logger
	QueryLogger  common.Logger
	Metrics      common.Metrics
}

// Option is for setting option
type Option func(*Options)

// Execute executes command with options
func Execute(setters ...Option) {
	loggerFactory := common.NewLoggerFactory()
	options := &Options{
		ServerLogger: loggerFactory.GetDefaultLogger(),
		QueryLogger:  loggerFactory.GetLogger("query"),
		Metrics:      common.NewNoopMetrics(),
	}

	for _, setter := range setters {
		setter(options)
	}

	cmd := &cobra.Command{
		Use:     "magmad",
		Short:   "MagmaDB",
		Long:    `MagmaDB is a GPU-powered real-time analytical engine`,
		Example: `./magmad --config config/magma.yaml --port 9374`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := ReadConfig(options.DefaultCfg, cmd.Flags())
			if err != nil {
				options.ServerLogger.With("err", err.Error()).Fatal("failed to read configs")
			}
			deviceCount, _ := cmd.Flags().GetInt("device_count")
			start(cfg, options, deviceCount)
		},
	}
	AddFlags(cmd)
	cmd.AddCommand(devicesCommand(options), selfCheckCommand(options))
	cmd.Execute()
}

// bootstrap wires the driver, device manager and compiler per config.
func bootstrap(cfg common.MagmaServerConfig, options *Options, deviceCount int) (*device.Manager, *codegen.Compiler, error) {
	scope, _, err := options.Metrics.NewRootScope()
	if err != nil {
		return nil, nil, utils.StackError(err, "failed to create new root scope")
	}
	utils.Init(cfg, options.ServerLogger, options.QueryLogger, scope)
	scope.Counter("restart").Inc(1)

	simCfg := cudriver.DefaultSimConfig()
	if deviceCount > 0 {
		simCfg.DeviceCount = deviceCount
	}
	driver := cudriver.NewSimDriver(simCfg)

	// pause the profiler until requested
	driver.ProfilerStop()

	manager, err := device.NewManager(driver, cfg.Device)
	if err != nil {
		return nil, nil, err
	}
	cache := codegen.NewCodeCache(cfg.Codegen.CodeCacheSize, cfg.Codegen.CodeCacheEvictFraction)
	return manager, codegen.NewCompiler(cache, manager), nil
}

// start is the entry point of starting magmad.
func start(cfg common.MagmaServerConfig, options *Options, deviceCount int) {
	logger := options.ServerLogger
	logger.With("config", cfg).Info("Bootstrapping service")

	manager, compiler, err := bootstrap(cfg, options, deviceCount)
	if err != nil {
		logger.Fatal("Failed to bootstrap engine", err)
	}
	defer manager.Close()

	logDeviceInventory(manager, logger)
	if err = runSelfCheck(compiler); err != nil {
		logger.Fatal("Compiler self check failed", err)
	}
	logger.Info("Engine ready")
}

func logDeviceInventory(manager *device.Manager, logger common.Logger) {
	for dev := 0; dev < manager.DeviceCount(); dev++ {
		props := manager.Properties(dev)
		logger.With(
			"device", dev,
			"name", props.Name,
			"uuid", props.UUID.String(),
			"arch", props.Arch.String(),
			"sm", props.Arch.SMString(),
			"globalMemory", props.GlobalMemory,
			"multiProcessors", props.MultiProcessorCount,
		).Info("Found device")
	}
}

func devicesCommand(options *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Print the device inventory",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := ReadConfig(options.DefaultCfg, cmd.Flags())
			if err != nil {
				options.ServerLogger.With("err", err.Error()).Fatal("failed to read configs")
			}
			deviceCount, _ := cmd.Flags().GetInt("device_count")
			manager, _, err := bootstrap(cfg, options, deviceCount)
			if err != nil {
				options.ServerLogger.Fatal("Failed to bootstrap engine", err)
			}
			defer manager.Close()

			for dev := 0; dev < manager.DeviceCount(); dev++ {
				props := manager.Properties(dev)
				fmt.Printf("device %d: %s (%s, %s), %d MiB, %d SMs\n",
					dev, props.Name, props.Arch.String(), props.Arch.SMString(),
					props.GlobalMemory>>20, props.MultiProcessorCount)
			}
		},
	}
}

func selfCheckCommand(options *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "selfcheck",
		Short: "Compile and evaluate a probe program on every backend",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := ReadConfig(options.DefaultCfg, cmd.Flags())
			if err != nil {
				options.ServerLogger.With("err", err.Error()).Fatal("failed to read configs")
			}
			deviceCount, _ := cmd.Flags().GetInt("device_count")
			manager, compiler, err := bootstrap(cfg, options, deviceCount)
			if err != nil {
				options.ServerLogger.Fatal("Failed to bootstrap engine", err)
			}
			defer manager.Close()

			if err = runSelfCheck(compiler); err != nil {
				options.ServerLogger.Fatal("Compiler self check failed", err)
			}
			devices := make([]int, manager.DeviceCount())
			for dev := range devices {
				devices[dev] = dev
			}
			if err = runGPUSelfCheck(compiler, devices); err != nil {
				options.ServerLogger.Fatal("Device self check failed", err)
			}
			fmt.Println("self check passed")
		},
	}
}
