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
	"fmt"

	"github.com/opencontainers/go-digest"
)

// State is a step of a pull.
type State string

const (
	StateStart            State = "Start"
	StateAuthenticated    State = "Authenticated"
	StateManifestFetched  State = "ManifestFetched"
	StateLayersEnumerated State = "LayersEnumerated"
	StateDownloading      State = "Downloading"
	StateExtracting       State = "Extracting"
	StateDone             State = "Done"
	StateAuthFailed       State = "AuthFailed"
	StateManifestFailed   State = "ManifestFailed"
	StateLayerFailed      State = "LayerFailed"
)

// PullError is the terminal failure of a pull. Err carries the error kind.
type PullError struct {
	Image  string
	Tag    string
	State  State
	Digest digest.Digest
	Err    error
}

func (e *PullError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("failed to pull %s:%s: %s(%s): %v", e.Image, e.Tag, e.State, e.Digest, e.Err)
	}
	return fmt.Sprintf("failed to pull %s:%s: %s: %v", e.Image, e.Tag, e.State, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}
