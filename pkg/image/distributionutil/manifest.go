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
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/sealerio/mocker/pkg/image/types"
)

// registries refuse manifests above 4MiB, anything larger is not a manifest
const maxManifestSize = 4 << 20

// acceptedManifestTypes go out in the Accept header, preferred first.
var acceptedManifestTypes = []string{
	schema2.MediaTypeManifest,
	ocispec.MediaTypeImageManifest,
	schema1.MediaTypeSignedManifest,
	schema1.MediaTypeManifest,
}

// LayerDescriptor is one layer reference of a manifest.
type LayerDescriptor struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// Manifest is the parsed, read only form of an image manifest.
type Manifest struct {
	// Name is the repository the manifest declares. schema2 and OCI manifests
	// carry none, the requested repository stands in for it.
	Name      string
	MediaType string
	// Layers are in document order.
	Layers []LayerDescriptor
	// Raw holds the exact bytes received from the registry.
	Raw []byte

	topLayerFirst bool
}

// ApplyOrder returns the layers base first, the order they are applied in.
// schema1 lists its layers newest first, the other formats base first.
func (m *Manifest) ApplyOrder() []LayerDescriptor {
	layers := make([]LayerDescriptor, len(m.Layers))
	if !m.topLayerFirst {
		copy(layers, m.Layers)
		return layers
	}
	for i, l := range m.Layers {
		layers[len(m.Layers)-1-i] = l
	}
	return layers
}

type manifestProbe struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Name          string          `json:"name"`
	FSLayers      json.RawMessage `json:"fsLayers"`
	Layers        json.RawMessage `json:"layers"`
	Manifests     json.RawMessage `json:"manifests"`
	Signatures    json.RawMessage `json:"signatures"`
}

// ParseManifest recognizes Docker schema1, Docker schema2 and OCI image
// manifests. Every layer digest is validated since digests end up in file names.
func ParseManifest(repository string, raw []byte) (*Manifest, error) {
	var probe manifestProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrapf(types.ErrManifest, "manifest of %s is not valid JSON: %v", repository, err)
	}

	switch {
	case isManifestList(probe):
		return nil, errors.Wrapf(types.ErrManifest, "%s resolves to a manifest list (%s), a single image manifest is required", repository, probe.MediaType)
	case probe.FSLayers != nil:
		return parseSchema1(repository, raw, probe)
	case probe.Layers != nil:
		return parseSchema2(repository, raw, probe)
	default:
		return nil, errors.Wrapf(types.ErrManifest, "manifest of %s has neither fsLayers nor layers", repository)
	}
}

func parseSchema1(repository string, raw []byte, probe manifestProbe) (*Manifest, error) {
	var m schema1.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(types.ErrManifest, "failed to decode schema1 manifest of %s: %v", repository, err)
	}
	if m.Name == "" {
		return nil, errors.Wrapf(types.ErrManifest, "schema1 manifest of %s has no name", repository)
	}
	if len(m.FSLayers) == 0 {
		return nil, errors.Wrapf(types.ErrManifest, "schema1 manifest of %s lists no layers", repository)
	}

	mediaType := schema1.MediaTypeManifest
	if probe.Signatures != nil {
		mediaType = schema1.MediaTypeSignedManifest
	}
	manifest := &Manifest{
		Name:          m.Name,
		MediaType:     mediaType,
		Raw:           raw,
		topLayerFirst: true,
	}
	for i, l := range m.FSLayers {
		d, err := validDigest(repository, i, l.BlobSum.String())
		if err != nil {
			return nil, err
		}
		manifest.Layers = append(manifest.Layers, LayerDescriptor{
			Digest:    d,
			MediaType: schema1.MediaTypeManifestLayer,
		})
	}
	return manifest, nil
}

func parseSchema2(repository string, raw []byte, probe manifestProbe) (*Manifest, error) {
	var layers []LayerDescriptor
	mediaType := probe.MediaType

	if mediaType == ocispec.MediaTypeImageManifest {
		var m ocispec.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrapf(types.ErrManifest, "failed to decode OCI manifest of %s: %v", repository, err)
		}
		for _, l := range m.Layers {
			layers = append(layers, LayerDescriptor{Digest: l.Digest, MediaType: l.MediaType, Size: l.Size})
		}
	} else {
		var m schema2.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrapf(types.ErrManifest, "failed to decode schema2 manifest of %s: %v", repository, err)
		}
		for _, l := range m.Layers {
			layers = append(layers, LayerDescriptor{Digest: l.Digest, MediaType: l.MediaType, Size: l.Size})
		}
		if mediaType == "" {
			mediaType = schema2.MediaTypeManifest
		}
	}
	if len(layers) == 0 {
		return nil, errors.Wrapf(types.ErrManifest, "manifest of %s lists no layers", repository)
	}

	for i := range layers {
		d, err := validDigest(repository, i, layers[i].Digest.String())
		if err != nil {
			return nil, err
		}
		layers[i].Digest = d
	}

	name := probe.Name
	if name == "" {
		name = repository
	}
	return &Manifest{
		Name:      name,
		MediaType: mediaType,
		Layers:    layers,
		Raw:       raw,
	}, nil
}

func validDigest(repository string, index int, s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", errors.Wrapf(types.ErrManifest, "layer %d of %s has invalid digest %q: %v", index, repository, s, err)
	}
	return d, nil
}

// FetchManifest downloads and parses the manifest of repository at reference,
// a tag or a digest.
func (c *Client) FetchManifest(ctx context.Context, repository, reference string, token Token) (*Manifest, error) {
	req, err := c.newRequest(ctx, c.endpoint(repository, "manifests", reference), token)
	if err != nil {
		return nil, errors.Wrapf(types.ErrManifest, "failed to build manifest request: %v", err)
	}
	req.Header.Set("Accept", strings.Join(acceptedManifestTypes, ", "))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(types.ErrManifest, "failed to request manifest %s:%s: %v", repository, reference, err)
	}
	defer closeBody(resp.Body)

	if !isSuccess(resp) {
		return nil, errors.Wrapf(types.ErrManifest, "manifest request for %s:%s rejected: %s", repository, reference, describeResponse(resp))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, errors.Wrapf(types.ErrManifest, "failed to read manifest %s:%s: %v", repository, reference, err)
	}
	if len(raw) > maxManifestSize {
		return nil, errors.Wrapf(types.ErrManifest, "manifest %s:%s exceeds %d bytes", repository, reference, maxManifestSize)
	}

	return ParseManifest(repository, raw)
}

func isManifestList(probe manifestProbe) bool {
	return probe.Manifests != nil ||
		probe.MediaType == manifestlist.MediaTypeManifestList ||
		probe.MediaType == ocispec.MediaTypeImageIndex
}
