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
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/sealerio/mocker/pkg/image/types"
	"github.com/sealerio/mocker/utils/progressbar"
)

const blobCopyBufSize = 32 * 1024

// StoredBlob is a downloaded blob on disk.
type StoredBlob struct {
	Digest digest.Digest
	Path   string
	Size   int64
}

// bodyReader remembers read failures so they are told apart from write failures.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

// DownloadBlob streams the blob dgst of repository into destPath, creating or
// truncating it, and verifies the content against dgst while writing. A
// partial file is left in place on failure.
func (c *Client) DownloadBlob(ctx context.Context, repository string, dgst digest.Digest, token Token, destPath string) (*StoredBlob, error) {
	if err := dgst.Validate(); err != nil {
		return nil, errors.Wrapf(types.ErrBlobFetch, "invalid blob digest %q: %v", dgst, err)
	}

	req, err := c.newRequest(ctx, c.endpoint(repository, "blobs", dgst.String()), token)
	if err != nil {
		return nil, errors.Wrapf(types.ErrBlobFetch, "failed to build blob request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(types.ErrBlobFetch, "failed to request blob %s: %v", dgst, err)
	}
	defer closeBody(resp.Body)

	if !isSuccess(resp) {
		return nil, errors.Wrapf(types.ErrBlobFetch, "blob request for %s rejected: %s", dgst, describeResponse(resp))
	}

	f, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to create %s: %v", destPath, err)
	}

	digester := dgst.Algorithm().Digester()
	writers := []io.Writer{f, digester.Hash()}
	var bar *progressbar.BytesProgress
	if c.config.ProgressOutput != nil {
		bar = progressbar.NewBytesProgress(resp.ContentLength, dgst.Encoded()[:12], c.config.ProgressOutput)
		writers = append(writers, bar)
	}

	body := &bodyReader{r: resp.Body}
	size, err := io.CopyBuffer(io.MultiWriter(writers...), body, make([]byte, blobCopyBufSize))
	if err != nil {
		_ = f.Close()
		if bar != nil {
			bar.Fail(err)
		}
		if body.err != nil {
			return nil, errors.Wrapf(types.ErrBlobFetch, "failed to read blob %s: %v", dgst, body.err)
		}
		return nil, errors.Wrapf(types.ErrIO, "failed to write blob %s to %s: %v", dgst, destPath, err)
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to close %s: %v", destPath, err)
	}
	if bar != nil {
		bar.Done()
	}

	if actual := digester.Digest(); actual != dgst {
		return nil, &types.IntegrityError{Digest: dgst, Actual: actual, Path: destPath}
	}

	return &StoredBlob{Digest: dgst, Path: destPath, Size: size}, nil
}
