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

package image

import (
	"github.com/opencontainers/go-digest"

	"github.com/sealerio/mocker/pkg/image/distributionutil"
)

// UniqueLayers returns every distinct digest of layers once, in order of
// first occurrence.
func UniqueLayers(layers []distributionutil.LayerDescriptor) []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(layers))
	unique := make([]digest.Digest, 0, len(layers))
	for _, l := range layers {
		if _, ok := seen[l.Digest]; ok {
			continue
		}
		seen[l.Digest] = struct{}{}
		unique = append(unique, l.Digest)
	}
	return unique
}
