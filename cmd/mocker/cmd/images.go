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
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sealerio/mocker/pkg/image/store"
)

const (
	imageName     = "IMAGE NAME"
	cacheName     = "CACHE"
	layerCount    = "LAYERS"
	downloaded    = "DOWNLOADED"
	blobSize      = "SIZE"
	modifiedSince = "PULLED"
)

func NewImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "images",
		Short:   "list the images pulled into the base dir",
		Example: `mocker images`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := store.New(viper.GetString(keyBaseDir)).List()
			if err != nil {
				return err
			}
			renderImages(summaries, time.Now())
			return nil
		},
	}
}

func renderImages(summaries []store.ImageSummary, now time.Time) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{imageName, cacheName, layerCount, downloaded, blobSize, modifiedSince})
	for _, s := range summaries {
		if s.Err != nil {
			logrus.Warnf("skipping %s: %v", s.CacheName, s.Err)
			continue
		}
		table.Append(imageRow(s, now))
	}
	table.Render()
}

func imageRow(s store.ImageSummary, now time.Time) []string {
	return []string{
		s.Name,
		s.CacheName,
		strconv.Itoa(s.UniqueLayers),
		strconv.Itoa(s.Downloaded) + "/" + strconv.Itoa(s.UniqueLayers),
		units.HumanSize(float64(s.BlobBytes)),
		units.HumanDuration(now.Sub(s.Modified)) + " ago",
	}
}
