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
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/image/distributionutil"
	"github.com/sealerio/mocker/pkg/image/reference"
	"github.com/sealerio/mocker/pkg/image/store"
	"github.com/sealerio/mocker/utils/archive"
)

// Registry is the remote side of a pull.
type Registry interface {
	Authenticate(ctx context.Context, repository, action string) (distributionutil.Token, error)
	FetchManifest(ctx context.Context, repository, reference string, token distributionutil.Token) (*distributionutil.Manifest, error)
	DownloadBlob(ctx context.Context, repository string, dgst digest.Digest, token distributionutil.Token, destPath string) (*distributionutil.StoredBlob, error)
}

type Options struct {
	// MaxConcurrentDownloads bounds the blobs in flight, 1 downloads one at a time.
	MaxConcurrentDownloads int
	Logger                 logrus.FieldLogger
}

// Result describes a completed pull.
type Result struct {
	Name         string
	Manifest     *distributionutil.Manifest
	ManifestPath string
	ContentsDir  string
	// Layers are the unique layer digests in the order they were extracted.
	Layers []digest.Digest
	Blobs  []*distributionutil.StoredBlob
}

// Puller fetches images into an ImageStore.
type Puller struct {
	registry Registry
	store    *store.ImageStore
	opts     Options
}

func NewPuller(registry Registry, imageStore *store.ImageStore, opts Options) *Puller {
	if opts.MaxConcurrentDownloads < 1 {
		opts.MaxConcurrentDownloads = common.DefaultMaxConcurrentDLs
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Puller{
		registry: registry,
		store:    imageStore,
		opts:     opts,
	}
}

type pull struct {
	*Puller
	named  reference.Named
	repo   string
	token  distributionutil.Token
	name   string
	logger logrus.FieldLogger
	state  State
	mu     sync.Mutex
}

func (p *pull) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == s {
		return
	}
	p.logger.Debugf("pull of %s: %s -> %s", p.named, p.state, s)
	p.state = s
}

func (p *pull) fail(state State, dgst digest.Digest, err error) error {
	p.setState(state)
	return &PullError{
		Image:  p.repo,
		Tag:    p.named.Reference(),
		State:  state,
		Digest: dgst,
		Err:    err,
	}
}

// Pull authenticates, fetches and caches the manifest, then downloads every
// unique layer once and extracts the layers into the shared contents
// directory in application order. Nothing is rolled back on failure.
func (pl *Puller) Pull(ctx context.Context, named reference.Named) (*Result, error) {
	p := &pull{
		Puller: pl,
		named:  named,
		repo:   named.Repo(),
		logger: pl.opts.Logger.WithField("image", named.String()),
		state:  StateStart,
	}

	token, err := pl.registry.Authenticate(ctx, p.repo, common.PullAction)
	if err != nil {
		return nil, p.fail(StateAuthFailed, "", err)
	}
	p.token = token
	p.setState(StateAuthenticated)

	pl.opts.Logger.Infof("Fetching manifest for %s:%s...", p.repo, named.Reference())
	manifest, err := pl.registry.FetchManifest(ctx, p.repo, named.Reference(), token)
	if err != nil {
		return nil, p.fail(StateManifestFailed, "", err)
	}
	p.name = manifest.Name
	p.setState(StateManifestFetched)

	result := &Result{
		Name:         manifest.Name,
		Manifest:     manifest,
		ManifestPath: pl.store.ManifestCachePath(manifest.Name),
		ContentsDir:  pl.store.ContentsDir(manifest.Name),
	}
	if err = pl.store.WriteManifest(manifest.Name, manifest.Raw); err != nil {
		return nil, p.fail(StateManifestFailed, "", err)
	}
	for _, dir := range []string{pl.store.LayerDir(manifest.Name), result.ContentsDir} {
		if err = pl.store.EnsureDir(dir); err != nil {
			return nil, p.fail(StateManifestFailed, "", err)
		}
	}

	layers := UniqueLayers(manifest.ApplyOrder())
	p.setState(StateLayersEnumerated)
	p.logger.Debugf("%d layers, %d unique", len(manifest.Layers), len(layers))

	blobs, err := p.fetchLayers(ctx, layers, result.ContentsDir)
	if err != nil {
		return nil, err
	}

	result.Layers = layers
	result.Blobs = blobs
	p.setState(StateDone)
	return result, nil
}

// layerError ties a download failure to its digest.
type layerError struct {
	digest digest.Digest
	err    error
}

func (e *layerError) Error() string {
	return e.err.Error()
}

// fetchLayers downloads on a bounded pool while extracting on the calling
// goroutine: layer i is extracted once it is downloaded and every layer
// before it is extracted.
func (p *pull) fetchLayers(ctx context.Context, layers []digest.Digest, contentsDir string) ([]*distributionutil.StoredBlob, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		blobs    = make([]*distributionutil.StoredBlob, len(layers))
		errs     = make([]error, len(layers))
		done     = make([]chan struct{}, len(layers))
		launched = make(chan struct{})
	)
	for i := range done {
		done[i] = make(chan struct{})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.opts.MaxConcurrentDownloads)
	go func() {
		defer close(launched)
		for i, dgst := range layers {
			// local value to current scope, safe to pass into goroutine
			i, dgst := i, dgst
			eg.Go(func() error {
				defer close(done[i])
				if err := egCtx.Err(); err != nil {
					errs[i] = err
					return &layerError{digest: dgst, err: err}
				}
				p.setState(StateDownloading)
				p.opts.Logger.Infof("Fetching layer %s..", dgst)
				blob, err := p.registry.DownloadBlob(egCtx, p.repo, dgst, p.token, p.store.BlobPath(p.name, dgst))
				if err != nil {
					errs[i] = err
					return &layerError{digest: dgst, err: err}
				}
				p.logger.Debugf("layer %s downloaded, %d bytes", dgst, blob.Size)
				blobs[i] = blob
				return nil
			})
		}
	}()

	// stop remaining downloads and report the failure that came first
	abort := func(dgst digest.Digest, err error) error {
		cancel()
		<-launched
		if first, ok := eg.Wait().(*layerError); ok && first != nil && dgst == "" {
			dgst, err = first.digest, first.err
		}
		return p.fail(StateLayerFailed, dgst, err)
	}

	for i, dgst := range layers {
		<-done[i]
		if errs[i] != nil {
			return nil, abort("", errs[i])
		}

		p.setState(StateExtracting)
		if _, err := archive.Extract(blobs[i].Path, contentsDir, archive.BeforeWrite(p.listEntries)); err != nil {
			return nil, abort(dgst, err)
		}
	}

	<-launched
	if err := eg.Wait(); err != nil {
		return nil, abort("", err)
	}
	return blobs, nil
}

func (p *pull) listEntries(names []string) {
	for i, name := range names {
		if i == common.ListedEntriesPerLayer {
			break
		}
		p.opts.Logger.Infof("- %s", name)
	}
	p.opts.Logger.Info("...")
}
