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
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"

	"github.com/sealerio/mocker/pkg/image/types"
)

func TestClient_DownloadBlob(t *testing.T) {
	content := bytes.Repeat([]byte("mocker layer content "), 10000)
	dgst := digest.FromBytes(content)

	var hits int
	mux := http.NewServeMux()
	// blobs are commonly served from a CDN behind a redirect
	mux.HandleFunc("/v2/library/alpine/blobs/"+dgst.String(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		http.Redirect(w, r, "/cdn/"+dgst.Encoded(), http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/cdn/"+dgst.Encoded(), func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var progress bytes.Buffer
	c, err := NewClient(Config{RegistryURL: srv.URL + "/v2", ProgressOutput: &progress})
	assert.NoError(t, err)

	dest := filepath.Join(t.TempDir(), dgst.String()+".tar")
	blob, err := c.DownloadBlob(context.Background(), "library/alpine", dgst, "tok", dest)
	assert.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, dgst, blob.Digest)
	assert.Equal(t, dest, blob.Path)
	assert.Equal(t, int64(len(content)), blob.Size)

	got, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NotZero(t, progress.Len())

	// a second download overwrites the same file
	_, err = c.DownloadBlob(context.Background(), "library/alpine", dgst, "tok", dest)
	assert.NoError(t, err)
	got, err = os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestClient_DownloadBlobIntegrity(t *testing.T) {
	want := digest.FromString("expected")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "blob.tar")
	_, err := newTestClient(t, srv.URL+"/v2", "").DownloadBlob(context.Background(), "library/alpine", want, "", dest)

	var ie *types.IntegrityError
	assert.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, want, ie.Digest)
	assert.Equal(t, digest.FromString("tampered"), ie.Actual)
	assert.Equal(t, dest, ie.Path)
}

func TestClient_DownloadBlobFailures(t *testing.T) {
	dgst := digest.FromString("x")
	type args struct {
		status int
		dgst   digest.Digest
		dest   func(dir string) string
	}
	tests := []struct {
		name    string
		args    args
		wantErr error
	}{
		{
			"not found",
			args{status: http.StatusNotFound, dgst: dgst, dest: func(dir string) string { return filepath.Join(dir, "a.tar") }},
			types.ErrBlobFetch,
		},
		{
			"forbidden",
			args{status: http.StatusForbidden, dgst: dgst, dest: func(dir string) string { return filepath.Join(dir, "a.tar") }},
			types.ErrBlobFetch,
		},
		{
			"invalid digest",
			args{status: http.StatusOK, dgst: digest.Digest("sha256:../../x"), dest: func(dir string) string { return filepath.Join(dir, "a.tar") }},
			types.ErrBlobFetch,
		},
		{
			"destination directory missing",
			args{status: http.StatusOK, dgst: dgst, dest: func(dir string) string { return filepath.Join(dir, "missing", "a.tar") }},
			types.ErrIO,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.args.status)
				_, _ = w.Write([]byte("x"))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL+"/v2", "").DownloadBlob(context.Background(), "library/alpine", tt.args.dgst, "", tt.args.dest(t.TempDir()))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestClient_DownloadBlobCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv.URL+"/v2", "").DownloadBlob(ctx, "library/alpine", digest.FromString("x"), "", filepath.Join(t.TempDir(), "a.tar"))
	assert.True(t, errors.Is(err, types.ErrBlobFetch))
}
