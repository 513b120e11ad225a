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
	"strings"

	dref "github.com/docker/distribution/reference"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Named is a normalized image reference on the default registry.
type Named struct {
	domain  string // docker.io, never empty
	raw     string // the name as the user typed it, tag filled in
	repo    string // library/alpine, sealerio/mocker
	repoTag string // library/alpine:3.19
	tag     string // 3.19
	digest  digest.Digest
}

// ParseToNamed normalizes name into a Named. tag, when not empty, is the tag
// given as a separate argument and must agree with any tag carried by name.
func ParseToNamed(name, tag string) (Named, error) {
	name = strings.TrimSpace(name)
	tag = strings.TrimSpace(tag)
	if err := validate(name); err != nil {
		return Named{}, err
	}

	ref, err := dref.ParseNormalizedNamed(name)
	if err != nil {
		return Named{}, errors.Wrapf(err, "invalid image name %q", name)
	}
	if domain := dref.Domain(ref); domain != defaultDomain {
		return Named{}, errors.Errorf("image name %q names registry %s, set the registry endpoint in configuration instead", name, domain)
	}

	var named Named
	named.domain = dref.Domain(ref)
	named.repo = dref.Path(ref)

	if canonical, ok := ref.(dref.Canonical); ok {
		named.digest = canonical.Digest()
	}
	if tagged, ok := ref.(dref.Tagged); ok {
		named.tag = tagged.Tag()
	}

	if tag != "" {
		if named.tag != "" && named.tag != tag {
			return Named{}, errors.Errorf("conflicting tags for %s: %q and %q", name, named.tag, tag)
		}
		if named.digest != "" {
			return Named{}, errors.Errorf("image name %s is pinned by digest and cannot take tag %q", name, tag)
		}
		if _, err := dref.WithTag(ref, tag); err != nil {
			return Named{}, errors.Wrapf(err, "invalid tag %q", tag)
		}
		named.tag = tag
	}
	if named.tag == "" && named.digest == "" {
		named.tag = defaultTag
	}

	named.repoTag = named.repo + referenceSeparator(named) + named.Reference()
	named.raw = buildRaw(name, named)
	return named, nil
}

func (n Named) String() string {
	return n.repoTag
}

// Name is the fully qualified repository, domain included.
func (n Named) Name() string {
	return n.domain + "/" + n.repo
}

func (n Named) Domain() string {
	return n.domain
}

func (n Named) RepoTag() string {
	return n.repoTag
}

func (n Named) Raw() string {
	return n.raw
}

func (n Named) Repo() string {
	return n.repo
}

func (n Named) Tag() string {
	return n.tag
}

func (n Named) Digest() digest.Digest {
	return n.digest
}

// Reference is what goes into the manifests/<reference> URL: the digest when
// the name is pinned, the tag otherwise.
func (n Named) Reference() string {
	if n.digest != "" {
		return n.digest.String()
	}
	return n.tag
}

func (n Named) CompleteName() string {
	return n.domain + "/" + n.repoTag
}
