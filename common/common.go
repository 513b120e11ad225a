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

package common

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const (
	DefaultRegistryURL   = "https://registry-1.docker.io/v2"
	DefaultAuthURL       = "https://auth.docker.io/token"
	DefaultAuthService   = "registry.docker.io"
	DefaultRepoNamespace = "library"
	DefaultTag           = "latest"
	PullAction           = "pull"
)

const (
	DefaultBaseDirName      = "mocker"
	DefaultConfigFileName   = ".mocker.json"
	DefaultLogDirName       = "log"
	DefaultLogFileName      = "mocker.log"
	LayersDirName           = "layers"
	ContentsDirName         = "contents"
	ManifestCacheSuffix     = ".json"
	BlobFileSuffix          = ".tar"
	DefaultMaxConcurrentDLs = 3
	// ListedEntriesPerLayer is how many archive entries are echoed per layer before eliding.
	ListedEntriesPerLayer = 10
)

const (
	FileMode0755 = 0755
	FileMode0644 = 0644
)

const ExecBinaryFileName = "mocker"

// GetHomeDir returns the current user's home directory, falling back to the
// working directory when it cannot be determined.
func GetHomeDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "."
	}
	return home
}

// DefaultBaseDir is the per-user root of every file mocker writes.
func DefaultBaseDir() string {
	return filepath.Join(GetHomeDir(), DefaultBaseDirName)
}

func DefaultConfigFile() string {
	return filepath.Join(GetHomeDir(), DefaultConfigFileName)
}

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, DefaultLogDirName)
}
