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
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sealerio/mocker/common"
	"github.com/sealerio/mocker/pkg/image/types"
)

const copyBufSize = 32 * 1024

var gzipMagic = []byte{0x1f, 0x8b}

// SecureJoin places name under dst and reports a PathTraversalError when the
// cleaned result is not dst itself or a path strictly below it. Absolute
// names are rooted at dst, the way tar strips a leading slash.
func SecureJoin(dst, name string) (string, error) {
	root, err := filepath.Abs(dst)
	if err != nil {
		return "", errors.Wrapf(types.ErrIO, "failed to resolve destination %s: %v", dst, err)
	}
	target := filepath.Join(root, name)
	if target == root {
		return target, nil
	}
	if !strings.HasPrefix(target, withSeparator(root)) {
		return "", &types.PathTraversalError{Entry: name, Target: target, Destination: root}
	}
	return target, nil
}

// ValidateEntries reads every header of the archive and fails on the first
// one that would be written outside dst, either by name or through a symlink
// extracted before it. Nothing is written.
func ValidateEntries(archivePath, dst string) error {
	_, err := validate(archivePath, dst)
	return err
}

func validate(archivePath, dst string) ([]string, error) {
	root, err := filepath.Abs(dst)
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to resolve destination %s: %v", dst, err)
	}
	lr := &linkResolver{root: root, entries: map[string]archivedEntry{}}
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		lr.realRoot = realRoot
	}

	var names []string
	err = walkArchive(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		target, err := SecureJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if target == root {
			names = append(names, hdr.Name)
			return nil
		}
		parent, err := lr.resolve(hdr.Name, filepath.Dir(target))
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeLink {
			source, err := SecureJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if _, err = lr.resolve(hdr.Linkname, filepath.Dir(source)); err != nil {
				return err
			}
		}
		lr.record(filepath.Join(parent, filepath.Base(target)), hdr)
		names = append(names, hdr.Name)
		return nil
	})
	return names, err
}

// maxLinkHops bounds symlink chains the way the kernel's ELOOP does.
const maxLinkHops = 40

type archivedEntry struct {
	symlink bool
	target  string
}

// linkResolver follows symlinks below root the way extraction will meet
// them: links written earlier in the same archive shadow the disk.
type linkResolver struct {
	root     string
	realRoot string
	entries  map[string]archivedEntry
}

func (lr *linkResolver) record(path string, hdr *tar.Header) {
	lr.entries[path] = archivedEntry{
		symlink: hdr.Typeflag == tar.TypeSymlink,
		target:  hdr.Linkname,
	}
}

func (lr *linkResolver) readlink(path string) (string, bool) {
	if e, ok := lr.entries[path]; ok {
		return e.target, e.symlink
	}
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return "", false
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", false
	}
	return target, true
}

// relative returns path relative to the destination, reached either through
// root or through its resolved form.
func (lr *linkResolver) relative(path string) (string, bool) {
	for _, base := range []string{lr.root, lr.realRoot} {
		if base == "" {
			continue
		}
		if path == base {
			return ".", true
		}
		if strings.HasPrefix(path, withSeparator(base)) {
			return strings.TrimPrefix(path, withSeparator(base)), true
		}
	}
	return "", false
}

// resolve walks dir component by component below root, following every
// symlink, and returns where the walk ends. It fails when the walk leaves
// the destination.
func (lr *linkResolver) resolve(name, dir string) (string, error) {
	rel, ok := lr.relative(dir)
	if !ok {
		return "", &types.PathTraversalError{Entry: name, Target: dir, Destination: lr.root}
	}
	pending := splitPath(rel)
	cur := lr.root
	for hops := 0; len(pending) > 0; {
		cur = filepath.Join(cur, pending[0])
		pending = pending[1:]

		link, ok := lr.readlink(cur)
		if !ok {
			continue
		}
		if hops++; hops > maxLinkHops {
			return "", errors.Wrapf(types.ErrMalformedArchive, "too many levels of symbolic links resolving %s", name)
		}
		resolved := filepath.Clean(link)
		if !filepath.IsAbs(link) {
			resolved = filepath.Join(filepath.Dir(cur), link)
		}
		rest, ok := lr.relative(resolved)
		if !ok {
			return "", &types.PathTraversalError{Entry: name, Target: resolved, Destination: lr.root}
		}
		pending = append(splitPath(rest), pending...)
		cur = lr.root
	}
	return cur, nil
}

func splitPath(rel string) []string {
	var parts []string
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

type extractOptions struct {
	beforeWrite func(names []string)
}

type ExtractOption func(*extractOptions)

// BeforeWrite calls fn with the entry names once the archive is validated
// and before the first entry is written.
func BeforeWrite(fn func(names []string)) ExtractOption {
	return func(o *extractOptions) {
		o.beforeWrite = fn
	}
}

// Extract unpacks the tar (optionally gzip compressed) archive at archivePath
// into dst and returns the entry names in archive order. Entries are checked
// before anything is written: a single escaping entry rejects the whole
// archive. Extracting the same archive twice yields the same tree.
func Extract(archivePath, dst string, opts ...ExtractOption) ([]string, error) {
	options := &extractOptions{}
	for _, opt := range opts {
		opt(options)
	}

	validated, err := validate(archivePath, dst)
	if err != nil {
		return nil, err
	}
	if options.beforeWrite != nil {
		options.beforeWrite(validated)
	}

	root, err := filepath.Abs(dst)
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to resolve destination %s: %v", dst, err)
	}
	if err = os.MkdirAll(root, common.FileMode0755); err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to create destination %s: %v", root, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "failed to resolve destination %s: %v", root, err)
	}

	x := &extractor{root: root, realRoot: realRoot, buf: make([]byte, copyBufSize)}
	if err = walkArchive(archivePath, x.writeEntry); err != nil {
		return nil, err
	}
	if err = x.finish(); err != nil {
		return nil, err
	}
	return validated, nil
}

// walkArchive opens the archive, sniffs gzip by its magic bytes and calls fn
// for each header in order.
func walkArchive(archivePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return errors.Wrapf(types.ErrMalformedArchive, "failed to open archive %s: %v", archivePath, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, copyBufSize)
	var reader io.Reader = br
	if magic, _ := br.Peek(len(gzipMagic)); len(magic) == len(gzipMagic) && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrapf(types.ErrMalformedArchive, "failed to read gzip stream of %s: %v", archivePath, err)
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(types.ErrMalformedArchive, "failed to read archive %s: %v", archivePath, err)
		}
		if err = fn(hdr, tr); err != nil {
			return err
		}
	}
}

type dirMode struct {
	path  string
	mode  os.FileMode
	mtime time.Time
	atime time.Time
	times bool
}

type extractor struct {
	root     string
	realRoot string
	buf      []byte
	// directory modes and times are applied last, children change parent mtimes
	// and a read-only parent would refuse its children.
	dirs []dirMode
}

func (x *extractor) writeEntry(hdr *tar.Header, r io.Reader) error {
	target, err := SecureJoin(x.root, hdr.Name)
	if err != nil {
		return err
	}
	if target == x.root {
		return nil
	}
	if err = x.ensureParent(hdr.Name, target); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return x.writeDir(hdr, target)
	case tar.TypeReg:
		return x.writeFile(hdr, target, r)
	case tar.TypeSymlink:
		if err = removeExisting(target); err != nil {
			return err
		}
		if err = os.Symlink(hdr.Linkname, target); err != nil {
			return errors.Wrapf(types.ErrIO, "failed to create symlink %s: %v", target, err)
		}
		return nil
	case tar.TypeLink:
		return x.writeHardLink(hdr, target)
	default:
		// devices, fifos and the rest need privileges and carry no layer content
		return nil
	}
}

func (x *extractor) writeDir(hdr *tar.Header, target string) error {
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.IsDir():
		if err = makeOwnerWritable(target, info.Mode()); err != nil {
			return err
		}
	case err == nil || !os.IsNotExist(err):
		if err = removeExisting(target); err != nil {
			return err
		}
		fallthrough
	default:
		if err = os.Mkdir(target, common.FileMode0755); err != nil {
			return errors.Wrapf(types.ErrIO, "failed to create directory %s: %v", target, err)
		}
	}
	x.dirs = append(x.dirs, dirMode{
		path:  target,
		mode:  hdr.FileInfo().Mode().Perm(),
		mtime: hdr.ModTime,
		atime: accessTime(hdr),
		times: !hdr.ModTime.IsZero(),
	})
	return nil
}

func (x *extractor) writeFile(hdr *tar.Header, target string, r io.Reader) error {
	if err := removeExisting(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrapf(types.ErrIO, "failed to create %s: %v", target, err)
	}
	if _, err = io.CopyBuffer(f, r, x.buf); err != nil {
		_ = f.Close()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.Wrapf(types.ErrMalformedArchive, "truncated content for %s: %v", hdr.Name, err)
		}
		return errors.Wrapf(types.ErrIO, "failed to write %s: %v", target, err)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to close %s: %v", target, err)
	}
	if err = os.Chmod(target, hdr.FileInfo().Mode().Perm()); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to chmod %s: %v", target, err)
	}
	if hdr.ModTime.IsZero() {
		return nil
	}
	if err = os.Chtimes(target, accessTime(hdr), hdr.ModTime); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to set times of %s: %v", target, err)
	}
	return nil
}

func (x *extractor) writeHardLink(hdr *tar.Header, target string) error {
	source, err := SecureJoin(x.root, hdr.Linkname)
	if err != nil {
		return err
	}
	if err = x.checkResolved(hdr.Linkname, filepath.Dir(source)); err != nil {
		return err
	}
	if source == target {
		return nil
	}
	if err = removeExisting(target); err != nil {
		return err
	}
	if err = os.Link(source, target); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to link %s to %s: %v", target, source, err)
	}
	return nil
}

// ensureParent creates the parent of target and makes sure no symlink
// extracted earlier redirects it out of the destination.
func (x *extractor) ensureParent(name, target string) error {
	parent := filepath.Dir(target)
	if err := x.checkResolved(name, parent); err != nil {
		return err
	}
	if err := os.MkdirAll(parent, common.FileMode0755); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to create directory %s: %v", parent, err)
	}
	info, err := os.Stat(parent)
	if err != nil {
		return errors.Wrapf(types.ErrIO, "failed to stat %s: %v", parent, err)
	}
	if info.Mode().Perm()&0200 == 0 {
		x.dirs = append(x.dirs, dirMode{path: parent, mode: info.Mode().Perm()})
		return makeOwnerWritable(parent, info.Mode())
	}
	return nil
}

// checkResolved resolves the deepest existing ancestor of path and requires
// it to stay inside the real destination.
func (x *extractor) checkResolved(name, path string) error {
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		next := filepath.Dir(existing)
		if next == existing {
			break
		}
		existing = next
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return errors.Wrapf(types.ErrIO, "failed to resolve %s: %v", existing, err)
	}
	if resolved != x.realRoot && !strings.HasPrefix(resolved, withSeparator(x.realRoot)) {
		return &types.PathTraversalError{Entry: name, Target: resolved, Destination: x.root}
	}
	return nil
}

func (x *extractor) finish() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		d := x.dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return errors.Wrapf(types.ErrIO, "failed to chmod %s: %v", d.path, err)
		}
		if !d.times {
			continue
		}
		if err := os.Chtimes(d.path, d.atime, d.mtime); err != nil {
			return errors.Wrapf(types.ErrIO, "failed to set times of %s: %v", d.path, err)
		}
	}
	return nil
}

func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(types.ErrIO, "failed to stat %s: %v", path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return errors.Wrapf(types.ErrIO, "failed to replace %s: %v", path, err)
	}
	return nil
}

func makeOwnerWritable(path string, mode os.FileMode) error {
	if mode.Perm()&0700 == 0700 {
		return nil
	}
	if err := os.Chmod(path, mode.Perm()|0700); err != nil {
		return errors.Wrapf(types.ErrIO, "failed to chmod %s: %v", path, err)
	}
	return nil
}

func accessTime(hdr *tar.Header) time.Time {
	if hdr.AccessTime.IsZero() {
		return hdr.ModTime
	}
	return hdr.AccessTime
}

func withSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
