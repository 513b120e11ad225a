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
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/image"
	"github.com/sealerio/mocker/pkg/image/distributionutil"
	"github.com/sealerio/mocker/pkg/image/reference"
	"github.com/sealerio/mocker/pkg/image/store"
	"github.com/sealerio/mocker/pkg/version"
)

var noProgress bool

var longPullCmdDescription = `Pull an image from the registry: authenticate, fetch and cache its
manifest, download every unique layer once and unpack the layers, base
first, into <base-dir>/<name>/layers/contents.`

var examplePullCmd = `
mocker pull busybox
mocker pull library/busybox:1.36
mocker pull alpine 3.19 --max-concurrent-downloads 1
`

func NewPullCmd() *cobra.Command {
	pullCmd := &cobra.Command{
		Use:     "pull NAME[:TAG] [TAG]",
		Short:   "pull an image from a registry and unpack its layers",
		Long:    longPullCmdDescription,
		Example: examplePullCmd,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tag string
			if len(args) == 2 {
				tag = args[1]
			}
			named, err := reference.ParseToNamed(args[0], tag)
			if err != nil {
				return err
			}

			cfg := distributionutil.Config{
				RegistryURL: viper.GetString(keyRegistry),
				AuthURL:     viper.GetString(keyAuthURL),
				AuthService: viper.GetString(keyAuthService),
				UserAgent:   common.ExecBinaryFileName + "/" + version.GetSingleVersion(),
			}
			concurrency := viper.GetInt(keyConcurrency)
			cfg.ProgressOutput = progressOutput(noProgress, concurrency, os.Stderr)
			client, err := distributionutil.NewClient(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			puller := image.NewPuller(client, store.New(viper.GetString(keyBaseDir)), image.Options{
				MaxConcurrentDownloads: concurrency,
				Logger:                 logrus.StandardLogger(),
			})
			result, err := puller.Pull(ctx, named)
			if err != nil {
				return err
			}
			logrus.Infof("Pull %s success, %d layers unpacked into %s", named, len(result.Layers), result.ContentsDir)
			return nil
		},
	}

	flags := pullCmd.Flags()
	flags.String(keyRegistry, common.DefaultRegistryURL, "base URL of the registry v2 API")
	flags.String(keyAuthURL, common.DefaultAuthURL, "bearer token endpoint, empty for anonymous access")
	flags.String(keyAuthService, common.DefaultAuthService, "service name sent to the token endpoint")
	flags.Int(keyConcurrency, common.DefaultMaxConcurrentDLs, "maximum number of layers downloaded at the same time")
	flags.BoolVar(&noProgress, "no-progress", false, "do not draw download progress bars, they are only drawn with --max-concurrent-downloads 1")
	for _, key := range []string{keyRegistry, keyAuthURL, keyAuthService, keyConcurrency} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}
	return pullCmd
}

// progressOutput returns where download bars are drawn. Bars are carriage
// return based, so they are only drawn when downloads run one at a time.
func progressOutput(disabled bool, concurrency int, out io.Writer) io.Writer {
	if disabled || concurrency > 1 {
		return nil
	}
	return out
}
