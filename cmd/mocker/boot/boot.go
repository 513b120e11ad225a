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

package boot

import (
	"fmt"
	"os"

	"github.com/sealerio/mocker/common"
)

func rootDirs(baseDir string) []string {
	return []string{
		baseDir,
		common.LogDir(baseDir),
	}
}

func initRootDirectory(baseDir string) error {
	for _, dir := range rootDirs(baseDir) {
		err := os.MkdirAll(dir, common.FileMode0755)
		if err != nil {
			return fmt.Errorf("failed to mkdir %s, err: %s", dir, err)
		}
	}
	return nil
}

// OnBoot prepares the directories every command expects under baseDir.
func OnBoot(baseDir string) error {
	return initRootDirectory(baseDir)
}
