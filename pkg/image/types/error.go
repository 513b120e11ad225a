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

package types

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Error kinds of a pull. Callers wrap them with context and classify with errors.Is.
var (
	ErrAuth             = errors.New("registry authentication failed")
	ErrManifest         = errors.New("failed to fetch image manifest")
	ErrBlobFetch        = errors.New("failed to fetch blob")
	ErrIO               = errors.New("local filesystem error")
	ErrMalformedArchive = errors.New("malformed layer archive")
)

// PathTraversalError reports an archive entry that would land outside the
// extraction directory.
type PathTraversalError struct {
	Entry       string
	Target      string
	Destination string
}

func (e *PathTraversalError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("archive entry %q escapes destination %s", e.Entry, e.Destination)
	}
	return fmt.Sprintf("archive entry %q resolves to %s, outside destination %s", e.Entry, e.Target, e.Destination)
}

// IntegrityError reports a downloaded blob whose content does not hash to the requested digest.
type IntegrityError struct {
	Digest digest.Digest
	Actual digest.Digest
	Path   string
}

func (e *IntegrityError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("blob %s written to %s failed digest verification", e.Digest, e.Path)
	}
	return fmt.Sprintf("blob %s written to %s has digest %s", e.Digest, e.Path, e.Actual)
}
