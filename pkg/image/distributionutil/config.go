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

package distributionutil

import (
	"io"
	"net/http"
)

// Config locates the registry and its token endpoint.
type Config struct {
	// RegistryURL is the base of the v2 API, e.g. https://registry-1.docker.io/v2.
	RegistryURL string
	// AuthURL is the bearer token endpoint. Empty means the registry is
	// accessed anonymously.
	AuthURL     string
	AuthService string
	UserAgent   string
	// ProgressOutput receives a progress bar per blob download, nil disables it.
	ProgressOutput io.Writer
	// HTTPClient overrides the default client, tests plug httptest clients here.
	HTTPClient *http.Client
}
