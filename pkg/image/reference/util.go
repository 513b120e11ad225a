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

package reference

import (
	"errors"
	"strings"
	"unicode"

	"github.com/sealerio/mocker/common"
)

const (
	defaultDomain = "docker.io"
	defaultRepo   = common.DefaultRepoNamespace
	defaultTag    = common.DefaultTag
)

func validate(name string) error {
	if name == "" {
		return errors.New("empty image name is not allowed")
	}

	for _, c := range name {
		if unicode.IsSpace(c) {
			return errors.New("space is not allowed in image name")
		}
	}

	return nil
}

func referenceSeparator(n Named) string {
	if n.digest != "" {
		return "@"
	}
	return ":"
}

func buildRaw(name string, n Named) string {
	if strings.ContainsRune(name, '@') {
		return name
	}
	i := strings.LastIndexByte(name, ':')
	if i > strings.LastIndexByte(name, '/') {
		return name
	}
	return name + ":" + n.tag
}
