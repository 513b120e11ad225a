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

	"github.com/pkg/errors"
)

const compressionBufSize = 32768

type tarOptions struct {
	compress bool
}

// tarDir streams the contents of dir, without dir itself, as a tar archive.
// Entry names are slash separated and relative to dir.
func tarDir(dir string, options tarOptions) (io.ReadCloser, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "dir %s does not exist", dir)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	pr, pw := io.Pipe()
	go func() {
		var (
			out io.Writer = pw
			gz  *gzip.Writer
		)
		if options.compress {
			gz = gzip.NewWriter(pw)
			out = gz
		}
		tw := tar.NewWriter(out)
		err := writeToTarWriter(dir, tw)
		if err == nil {
			err = tw.Close()
		}
		if err == nil && gz != nil {
			err = gz.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, nil
}

func writeToTarWriter(dir string, tarWriter *tar.Writer) error {
	dir = strings.TrimSuffix(dir, "/")
	srcPrefix := filepath.ToSlash(dir + "/")
	bufWriter := bufio.NewWriterSize(nil, compressionBufSize)

	return filepath.Walk(dir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// do not contain root dir
		if file == dir {
			return nil
		}
		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		header.Name = strings.TrimPrefix(filepath.ToSlash(file), srcPrefix)
		if fi.IsDir() {
			header.Name += "/"
		}

		if err = tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		data, err := os.Open(filepath.Clean(file))
		if err != nil {
			return err
		}
		defer data.Close()

		bufWriter.Reset(tarWriter)
		defer bufWriter.Reset(nil)
		if _, err = io.Copy(bufWriter, data); err != nil {
			return err
		}
		return bufWriter.Flush()
	})
}
