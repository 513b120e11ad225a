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

package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/image/distributionutil"
	"github.com/sealerio/mocker/pkg/image/types"
	osi "github.com/sealerio/mocker/utils/os"
)

// ImageSummary describes one cached pull.
type ImageSummary struct {
	// CacheName is the sanitized name the cache files are stored under.
	CacheName string
	// Name is the name declared by the manifest.
	Name         string
	MediaType    string
	Layers       int
	UniqueLayers int
	// Downloaded counts the blobs present on disk, BlobBytes is their total size.
	Downloaded int
	BlobBytes  int64
	Modified   time.Time
	// Err is set when the cache could not be read or parsed.
	Err error
}

// List reports every manifest cache under the base dir, sorted by name.
func (is *ImageStore) List() ([]ImageSummary, error) {
	caches, err := osi.GlobFiles(is.baseDir, "*"+common.ManifestCacheSuffix)
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to list %s: %v", is.baseDir, err)
	}

	var summaries []ImageSummary
	for _, cache := range caches {
		summaries = append(summaries, is.summarize(cache))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CacheName < summaries[j].CacheName
	})
	return summaries, nil
}

func (is *ImageStore) summarize(cache string) ImageSummary {
	cacheName := strings.TrimSuffix(filepath.Base(cache), common.ManifestCacheSuffix)
	summary := ImageSummary{CacheName: cacheName, Name: cacheName}

	info, err := os.Stat(cache)
	if err != nil {
		summary.Err = err
		return summary
	}
	summary.Modified = info.ModTime()

	raw, err := os.ReadFile(filepath.Clean(cache))
	if err != nil {
		summary.Err = err
		return summary
	}
	manifest, err := distributionutil.ParseManifest(cacheName, raw)
	if err != nil {
		summary.Err = err
		return summary
	}

	summary.Name = manifest.Name
	summary.MediaType = manifest.MediaType
	summary.Layers = len(manifest.Layers)

	seen := map[digest.Digest]struct{}{}
	var blobs []string
	for _, l := range manifest.Layers {
		if _, ok := seen[l.Digest]; ok {
			continue
		}
		seen[l.Digest] = struct{}{}
		blob := is.BlobPath(cacheName, l.Digest)
		if osi.IsFileExist(blob) {
			blobs = append(blobs, blob)
		}
	}
	summary.UniqueLayers = len(seen)
	summary.Downloaded = len(blobs)
	if summary.BlobBytes, err = osi.FilesSize(blobs); err != nil {
		summary.Err = err
	}
	return summary
}
