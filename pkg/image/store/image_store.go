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
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/image/types"
	osi "github.com/sealerio/mocker/utils/os"
)

// ImageStore maps image names to their on-disk locations under a base dir:
//
//	<base>/<name>.json                      manifest cache
//	<base>/<name>/layers/<digest>.tar       downloaded blobs
//	<base>/<name>/layers/contents/          extracted filesystem
//
// where <name> is the sanitized manifest name.
type ImageStore struct {
	baseDir string
}

func New(baseDir string) *ImageStore {
	return &ImageStore{baseDir: filepath.Clean(baseDir)}
}

func (is *ImageStore) BaseDir() string {
	return is.baseDir
}

// SanitizeName flattens a repository name into a single path component.
func SanitizeName(name string) string {
	sanitized := strings.NewReplacer("/", "_", `\`, "_").Replace(name)
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "_"
	}
	return sanitized
}

func (is *ImageStore) ManifestCachePath(name string) string {
	return filepath.Join(is.baseDir, SanitizeName(name)+common.ManifestCacheSuffix)
}

func (is *ImageStore) ImageDir(name string) string {
	return filepath.Join(is.baseDir, SanitizeName(name))
}

func (is *ImageStore) LayerDir(name string) string {
	return filepath.Join(is.ImageDir(name), common.LayersDirName)
}

func (is *ImageStore) ContentsDir(name string) string {
	return filepath.Join(is.LayerDir(name), common.ContentsDirName)
}

// BlobPath is where the blob dgst of image name is downloaded to. dgst is
// expected to be validated already.
func (is *ImageStore) BlobPath(name string, dgst digest.Digest) string {
	return filepath.Join(is.LayerDir(name), dgst.String()+common.BlobFileSuffix)
}

// EnsureDir creates path and its parents, succeeding when it already exists.
func (is *ImageStore) EnsureDir(path string) error {
	if err := os.MkdirAll(path, common.FileMode0755); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to create directory %s: %v", path, err)
	}
	return nil
}

// WriteManifest stores raw, byte for byte, as the manifest cache of name,
// replacing any previous cache.
func (is *ImageStore) WriteManifest(name string, raw []byte) error {
	path := is.ManifestCachePath(name)
	if err := osi.NewAtomicWriter(path).WriteFile(raw); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to write manifest cache %s: %v", path, err)
	}
	return nil
}
