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

package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sealerio/mocker/pkg/image/types"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func writeArchive(t *testing.T, path string, compress bool, entries ...entry) {
	t.Helper()
	var buf bytes.Buffer
	var out io.Writer = &buf
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		out = gz
	}
	tw := tar.NewWriter(out)
	mtime := time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     e.mode,
			ModTime:  mtime,
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
			if e.typeflag == tar.TypeDir {
				hdr.Mode = 0755
			}
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		assert.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			assert.NoError(t, err)
		}
	}
	assert.NoError(t, tw.Close())
	if gz != nil {
		assert.NoError(t, gz.Close())
	}
	assert.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// snapshot records every path under dir with its mode, content or link target.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	state := map[string]string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		desc := info.Mode().String()
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			desc += " -> " + link
		case info.Mode().IsRegular():
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			desc += " " + string(content)
		case info.IsDir() && rel != ".":
			desc += " " + info.ModTime().UTC().String()
		}
		state[rel] = desc
		return nil
	})
	assert.NoError(t, err)
	return state
}

func TestSecureJoin(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "contents")
	type args struct {
		name string
	}
	tests := []struct {
		name    string
		args    args
		want    string
		wantErr bool
	}{
		{"plain file", args{"etc/hosts"}, filepath.Join(dst, "etc", "hosts"), false},
		{"dot segments that stay inside", args{"a/./b/../c"}, filepath.Join(dst, "a", "c"), false},
		{"destination itself", args{"./"}, dst, false},
		{"absolute name is rooted", args{"/etc/passwd"}, filepath.Join(dst, "etc", "passwd"), false},
		{"parent traversal", args{"../../../etc/cron.d/evil"}, "", true},
		{"traversal after a directory", args{"a/../../escape"}, "", true},
		{"sibling sharing the prefix", args{"../contents-evil/x"}, "", true},
		{"parent of destination", args{".."}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(dst, tt.args.name)
			if tt.wantErr {
				var pte *types.PathTraversalError
				assert.True(t, errors.As(err, &pte), "want PathTraversalError, got %v", err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractRejectsTraversalBeforeWriting(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar")
	dst := filepath.Join(dir, "contents")
	writeArchive(t, archivePath, false,
		entry{name: "ok.txt", typeflag: tar.TypeReg, body: "fine"},
		entry{name: "../../../etc/cron.d/evil", typeflag: tar.TypeReg, body: "* * * * * root sh"},
	)

	assert.Error(t, ValidateEntries(archivePath, dst))

	names, err := Extract(archivePath, dst)
	var pte *types.PathTraversalError
	assert.True(t, errors.As(err, &pte))
	assert.Equal(t, "../../../etc/cron.d/evil", pte.Entry)
	assert.Nil(t, names)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written for a rejected archive")
}

func TestExtractRejectsTraversalIntoExistingDestination(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar")
	dst := filepath.Join(dir, "contents")
	assert.NoError(t, os.MkdirAll(filepath.Join(dst, "keep"), 0755))
	before := snapshot(t, dst)

	writeArchive(t, archivePath, true,
		entry{name: "new/", typeflag: tar.TypeDir},
		entry{name: "new/file", typeflag: tar.TypeReg, body: "x"},
		entry{name: "../contents-evil/payload", typeflag: tar.TypeReg, body: "x"},
	)

	_, err := Extract(archivePath, dst)
	var pte *types.PathTraversalError
	assert.True(t, errors.As(err, &pte))
	assert.Equal(t, before, snapshot(t, dst))
	_, statErr := os.Stat(filepath.Join(dir, "contents-evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractWritesIdenticalBytes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	files := map[string]string{
		"bin/busybox":     "\x7fELF not really",
		"etc/os-release":  "NAME=mocker\n",
		"etc/empty":       "",
		"usr/lib/a/b/c.x": string(bytes.Repeat([]byte("0123456789"), 10000)),
	}
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		assert.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		assert.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	assert.NoError(t, os.Symlink("busybox", filepath.Join(src, "bin", "sh")))

	for _, compress := range []bool{false, true} {
		rc, err := tarDir(src, tarOptions{compress: compress})
		assert.NoError(t, err)
		data, err := io.ReadAll(rc)
		assert.NoError(t, err)
		assert.NoError(t, rc.Close())

		archivePath := filepath.Join(dir, "layer.tar")
		assert.NoError(t, os.WriteFile(archivePath, data, 0644))
		dst := filepath.Join(dir, "contents")
		assert.NoError(t, os.RemoveAll(dst))

		names, err := Extract(archivePath, dst)
		assert.NoError(t, err)
		assert.Contains(t, names, "etc/os-release")
		assert.Contains(t, names, "bin/")

		for name, content := range files {
			got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
			assert.NoError(t, err)
			assert.Equal(t, []byte(content), got)
		}
		link, err := os.Readlink(filepath.Join(dst, "bin", "sh"))
		assert.NoError(t, err)
		assert.Equal(t, "busybox", link)
	}
}

func TestExtractTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar")
	dst := filepath.Join(dir, "contents")
	writeArchive(t, archivePath, false,
		entry{name: "./", typeflag: tar.TypeDir},
		entry{name: "etc/", typeflag: tar.TypeDir},
		entry{name: "etc/hostname", typeflag: tar.TypeReg, body: "mocker"},
		entry{name: "etc/ro", typeflag: tar.TypeReg, body: "read only", mode: 0444},
		entry{name: "sbin/", typeflag: tar.TypeDir, mode: 0555},
		entry{name: "sbin/init", typeflag: tar.TypeReg, body: "init", mode: 0755},
		entry{name: "sbin/halt", typeflag: tar.TypeSymlink, linkname: "init"},
		entry{name: "etc/hostname.bak", typeflag: tar.TypeLink, linkname: "etc/hostname"},
		entry{name: "dev/null", typeflag: tar.TypeChar},
	)

	first, err := Extract(archivePath, dst)
	assert.NoError(t, err)
	state := snapshot(t, dst)

	second, err := Extract(archivePath, dst)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, state, snapshot(t, dst))

	got, err := os.ReadFile(filepath.Join(dst, "etc", "hostname.bak"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("mocker"), got)

	info, err := os.Stat(filepath.Join(dst, "sbin"))
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0555), info.Mode().Perm())

	_, err = os.Lstat(filepath.Join(dst, "dev", "null"))
	assert.True(t, os.IsNotExist(err), "device nodes are skipped")

	// let TempDir cleanup remove the read-only directory
	assert.NoError(t, os.Chmod(filepath.Join(dst, "sbin"), 0755))
}

func TestExtractLaterLayerOverwrites(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "contents")
	base := filepath.Join(dir, "base.tar")
	top := filepath.Join(dir, "top.tar")
	writeArchive(t, base, true,
		entry{name: "etc/motd", typeflag: tar.TypeReg, body: "base"},
		entry{name: "var/run", typeflag: tar.TypeReg, body: "was a file"},
	)
	writeArchive(t, top, false,
		entry{name: "etc/motd", typeflag: tar.TypeReg, body: "top"},
		entry{name: "var/run/", typeflag: tar.TypeDir},
	)

	_, err := Extract(base, dst)
	assert.NoError(t, err)
	_, err = Extract(top, dst)
	assert.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "etc", "motd"))
	assert.NoError(t, err)
	assert.Equal(t, "top", string(got))
	info, err := os.Stat(filepath.Join(dst, "var", "run"))
	assert.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractRejectsHardLinkEscape(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar")
	dst := filepath.Join(dir, "contents")
	writeArchive(t, archivePath, false,
		entry{name: "passwd", typeflag: tar.TypeLink, linkname: "../../../etc/passwd"},
	)

	_, err := Extract(archivePath, dst)
	var pte *types.PathTraversalError
	assert.True(t, errors.As(err, &pte))
	assert.Equal(t, "../../../etc/passwd", pte.Entry)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractRejectsWriteThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	assert.NoError(t, os.MkdirAll(outside, 0755))
	dst := filepath.Join(dir, "contents")

	first := filepath.Join(dir, "first.tar")
	writeArchive(t, first, false,
		entry{name: "evil", typeflag: tar.TypeSymlink, linkname: outside},
	)
	second := filepath.Join(dir, "second.tar")
	writeArchive(t, second, false,
		entry{name: "harmless.txt", typeflag: tar.TypeReg, body: "fine"},
		entry{name: "evil/pwned", typeflag: tar.TypeReg, body: "gotcha"},
	)

	_, err := Extract(first, dst)
	assert.NoError(t, err)

	_, err = Extract(second, dst)
	var pte *types.PathTraversalError
	assert.True(t, errors.As(err, &pte), "want PathTraversalError, got %v", err)
	_, statErr := os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(statErr))
	// rejected while validating, the harmless entry before it is not written
	_, statErr = os.Lstat(filepath.Join(dst, "harmless.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractRejectsSameArchiveSymlinkBeforeWriting(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	assert.NoError(t, os.MkdirAll(outside, 0755))
	dst := filepath.Join(dir, "contents")
	assert.NoError(t, os.MkdirAll(dst, 0755))

	archivePath := filepath.Join(dir, "layer.tar")
	writeArchive(t, archivePath, false,
		entry{name: "harmless.txt", typeflag: tar.TypeReg, body: "fine"},
		entry{name: "evil", typeflag: tar.TypeSymlink, linkname: outside},
		entry{name: "evil/pwned", typeflag: tar.TypeReg, body: "gotcha"},
	)

	var pte *types.PathTraversalError
	assert.True(t, errors.As(ValidateEntries(archivePath, dst), &pte))
	assert.Equal(t, "evil/pwned", pte.Entry)

	_, err := Extract(archivePath, dst)
	assert.True(t, errors.As(err, &pte), "want PathTraversalError, got %v", err)

	written, err := os.ReadDir(dst)
	assert.NoError(t, err)
	assert.Empty(t, written)
	_, statErr := os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestValidateEntriesFollowsSymlinks(t *testing.T) {
	type args struct {
		entries []entry
	}
	tests := []struct {
		name    string
		args    args
		wantErr func(error) bool
	}{
		{
			"relative link climbing out",
			args{[]entry{
				{name: "up", typeflag: tar.TypeSymlink, linkname: "../.."},
				{name: "up/etc/passwd", typeflag: tar.TypeReg, body: "root"},
			}},
			isTraversal,
		},
		{
			"link to the parent of the destination",
			args{[]entry{
				{name: "a/", typeflag: tar.TypeDir},
				{name: "a/parent", typeflag: tar.TypeSymlink, linkname: "../.."},
				{name: "a/parent/x", typeflag: tar.TypeReg, body: "x"},
			}},
			isTraversal,
		},
		{
			"link created through another link",
			args{[]entry{
				{name: "usr/lib/", typeflag: tar.TypeDir},
				{name: "lib", typeflag: tar.TypeSymlink, linkname: "usr/lib"},
				{name: "lib/up", typeflag: tar.TypeSymlink, linkname: "../../.."},
				{name: "usr/lib/up/x", typeflag: tar.TypeReg, body: "x"},
			}},
			isTraversal,
		},
		{
			"hard link through a link",
			args{[]entry{
				{name: "etc", typeflag: tar.TypeSymlink, linkname: "/etc"},
				{name: "shadow", typeflag: tar.TypeLink, linkname: "etc/shadow"},
			}},
			isTraversal,
		},
		{
			"link loop",
			args{[]entry{
				{name: "a", typeflag: tar.TypeSymlink, linkname: "b"},
				{name: "b", typeflag: tar.TypeSymlink, linkname: "a"},
				{name: "a/x", typeflag: tar.TypeReg, body: "x"},
			}},
			func(err error) bool { return errors.Is(err, types.ErrMalformedArchive) },
		},
		{
			"links that stay inside",
			args{[]entry{
				{name: "usr/lib/", typeflag: tar.TypeDir},
				{name: "lib", typeflag: tar.TypeSymlink, linkname: "usr/lib"},
				{name: "lib/libc.so", typeflag: tar.TypeReg, body: "elf"},
				{name: "usr/bin/", typeflag: tar.TypeDir},
				{name: "usr/bin/lib", typeflag: tar.TypeSymlink, linkname: "../lib"},
				{name: "usr/bin/lib/libm.so", typeflag: tar.TypeReg, body: "elf"},
			}},
			nil,
		},
		{
			"link replaced by a directory",
			args{[]entry{
				{name: "evil", typeflag: tar.TypeSymlink, linkname: "/"},
				{name: "evil/", typeflag: tar.TypeDir},
				{name: "evil/x", typeflag: tar.TypeReg, body: "x"},
			}},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "layer.tar")
			dst := filepath.Join(dir, "contents")
			writeArchive(t, archivePath, false, tt.args.entries...)

			_, err := Extract(archivePath, dst)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, tt.wantErr(err), "got %v", err)
			_, statErr := os.Stat(dst)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtractFollowsInnerSymlinks(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "layer.tar")
	dst := filepath.Join(dir, "contents")
	writeArchive(t, archivePath, false,
		entry{name: "usr/lib/", typeflag: tar.TypeDir},
		entry{name: "lib", typeflag: tar.TypeSymlink, linkname: "usr/lib"},
		entry{name: "lib/libc.so", typeflag: tar.TypeReg, body: "elf"},
	)

	_, err := Extract(archivePath, dst)
	assert.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dst, "usr", "lib", "libc.so"))
	assert.NoError(t, err)
	assert.Equal(t, "elf", string(got))
}

func TestExtractBeforeWrite(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "contents")
	good := filepath.Join(dir, "good.tar")
	writeArchive(t, good, true,
		entry{name: "etc/", typeflag: tar.TypeDir},
		entry{name: "etc/hostname", typeflag: tar.TypeReg, body: "mocker"},
	)
	bad := filepath.Join(dir, "bad.tar")
	writeArchive(t, bad, false,
		entry{name: "etc/motd", typeflag: tar.TypeReg, body: "hi"},
		entry{name: "../escape", typeflag: tar.TypeReg, body: "x"},
	)

	var listed []string
	names, err := Extract(good, dst, BeforeWrite(func(names []string) {
		listed = names
		_, statErr := os.Stat(dst)
		assert.True(t, os.IsNotExist(statErr), "nothing is written before the listing")
	}))
	assert.NoError(t, err)
	assert.Equal(t, []string{"etc/", "etc/hostname"}, listed)
	assert.Equal(t, listed, names)

	called := false
	_, err = Extract(bad, dst, BeforeWrite(func([]string) { called = true }))
	assert.True(t, isTraversal(err))
	assert.False(t, called)
}

func isTraversal(err error) bool {
	var pte *types.PathTraversalError
	return errors.As(err, &pte)
}

func TestExtractMalformedArchive(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content []byte
	}{
		{"not a tar", bytes.Repeat([]byte("x"), 1024)},
		{"truncated header", []byte("short")},
		{"broken gzip", []byte{0x1f, 0x8b, 0x00, 0x01, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := filepath.Join(dir, "bad.tar")
			assert.NoError(t, os.WriteFile(archivePath, tt.content, 0644))
			_, err := Extract(archivePath, filepath.Join(dir, "contents"))
			assert.True(t, errors.Is(err, types.ErrMalformedArchive), "got %v", err)
		})
	}

	_, err := Extract(filepath.Join(dir, "missing.tar"), filepath.Join(dir, "contents"))
	assert.True(t, errors.Is(err, types.ErrMalformedArchive))
}
