// Copyright © 2022 Alibaba Group Holding Ltd.
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
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sealerio/mocker/cmd/mocker/boot"
	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/logger"
	"github.com/sealerio/mocker/pkg/version"
)

type rootOpts struct {
	cfgFile     string
	debugModeOn bool
	hideLogTime bool
	hideLogPath bool
	logToFile   bool
	colorMode   string
}

var rootOpt rootOpts

const (
	keyBaseDir     = "base-dir"
	keyRegistry    = "registry"
	keyAuthURL     = "auth-url"
	keyAuthService = "auth-service"
	keyConcurrency = "max-concurrent-downloads"
	envPrefix      = "mocker"
)

var longRootCmdDescription = `mocker pulls container images from a Docker registry v2 API
and unpacks their layers into a local directory, without a container daemon.
`

var rootCmd = &cobra.Command{
	Use:           "mocker",
	Short:         "A tool to pull container images and unpack their layers.",
	Long:          longRootCmdDescription,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("mocker-%s: %v", version.GetSingleVersion(), err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(NewPullCmd(), NewImagesCmd(), NewVersionCmd())

	rootCmd.PersistentFlags().StringVar(&rootOpt.cfgFile, "config", "", "config file of mocker (default is $HOME/"+common.DefaultConfigFileName+")")
	rootCmd.PersistentFlags().String(keyBaseDir, common.DefaultBaseDir(), "directory holding manifests, layers and logs")
	rootCmd.PersistentFlags().BoolVarP(&rootOpt.debugModeOn, "debug", "d", false, "turn on debug mode")
	rootCmd.PersistentFlags().BoolVar(&rootOpt.hideLogTime, "hide-time", false, "hide the log time")
	rootCmd.PersistentFlags().BoolVar(&rootOpt.hideLogPath, "hide-path", false, "hide the log path")
	rootCmd.PersistentFlags().BoolVar(&rootOpt.logToFile, "log-to-file", true, "write log message to disk")
	rootCmd.PersistentFlags().StringVar(&rootOpt.colorMode, "color", logger.ColorModeAuto, fmt.Sprintf("set the log color mode, the possible values can be %v", logger.SupportedColorModes))
	if err := viper.BindPFlag(keyBaseDir, rootCmd.PersistentFlags().Lookup(keyBaseDir)); err != nil {
		panic(err)
	}
	rootCmd.DisableAutoGenTag = true
}

func initConfig() {
	if rootOpt.cfgFile == "" {
		rootOpt.cfgFile = common.DefaultConfigFile()
	}
	viper.SetConfigFile(rootOpt.cfgFile)

	// MOCKER_BASE_DIR, MOCKER_REGISTRY and so on
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfgErr := viper.ReadInConfig()

	baseDir := viper.GetString(keyBaseDir)
	if err := boot.OnBoot(baseDir); err != nil {
		panic(fmt.Sprintf("failed to prepare %s: %v\n", baseDir, err))
	}

	if err := logger.Init(logger.LogOptions{
		OutputPath:  common.LogDir(baseDir),
		Verbose:     rootOpt.debugModeOn,
		ColorMode:   rootOpt.colorMode,
		HideLogTime: rootOpt.hideLogTime,
		HideLogPath: rootOpt.hideLogPath,
		LogToFile:   rootOpt.logToFile,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v\n", err))
	}

	switch {
	case cfgErr == nil:
		logrus.Debugf("using config file %s", viper.ConfigFileUsed())
	case os.IsNotExist(cfgErr):
		logrus.Debugf("config file %s not found, using flags and environment", rootOpt.cfgFile)
	default:
		logrus.Warnf("failed to read config file %s: %v", rootOpt.cfgFile, cfgErr)
	}
}
