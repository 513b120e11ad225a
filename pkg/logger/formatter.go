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

package logger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02 15:04:05"

const (
	colorRed    = 31
	colorYellow = 33
	colorBlue   = 36
	colorGray   = 37
)

var levelColors = map[logrus.Level]int{
	logrus.TraceLevel: colorGray,
	logrus.DebugLevel: colorGray,
	logrus.InfoLevel:  colorBlue,
	logrus.WarnLevel:  colorYellow,
	logrus.ErrorLevel: colorRed,
	logrus.FatalLevel: colorRed,
	logrus.PanicLevel: colorRed,
}

// Formatter renders `<time> [LEVEL] [file:line] message key=value...`.
// Only the level tag is colored.
type Formatter struct {
	DisableColor bool
	HideLogTime  bool
	// HideLogPath drops the [file:line] of the caller.
	HideLogPath     bool
	TimestampFormat string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	if !f.HideLogTime {
		format := f.TimestampFormat
		if format == "" {
			format = defaultTimestampFormat
		}
		b.WriteString(entry.Time.Format(format))
		b.WriteByte(' ')
	}

	f.writeLevel(b, entry.Level)
	if !f.HideLogPath && entry.HasCaller() {
		fmt.Fprintf(b, " [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	writeFields(b, entry.Data)
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func (f *Formatter) writeLevel(b *bytes.Buffer, level logrus.Level) {
	tag := "[" + strings.ToUpper(level.String()) + "]"
	if f.DisableColor {
		b.WriteString(tag)
		return
	}
	color, ok := levelColors[level]
	if !ok {
		color = colorBlue
	}
	fmt.Fprintf(b, "\033[%dm%s\033[0m", color, tag)
}

// writeFields appends entry fields as " key=value" pairs sorted by key.
func writeFields(b *bytes.Buffer, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, data[k])
	}
}
