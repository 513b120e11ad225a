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

package progressbar

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// BytesProgress renders the progress of a byte stream. It is an io.Writer so
// it can sit next to the real destination in an io.MultiWriter.
type BytesProgress struct {
	*progressbar.ProgressBar
}

var (
	width                  = 50
	optionEnableColorCodes = progressbar.OptionEnableColorCodes(true)
	optionSetWidth         = progressbar.OptionSetWidth(width)
	optionShowBytes        = progressbar.OptionShowBytes(true)
	optionThrottle         = progressbar.OptionThrottle(65 * time.Millisecond)
	optionSetTheme         = progressbar.OptionSetTheme(progressbar.Theme{
		Saucer:        "=",
		SaucerHead:    ">",
		SaucerPadding: " ",
		BarStart:      "[",
		BarEnd:        "]",
	})
)

// NewBytesProgress draws on out. A total of zero or below means the length
// is unknown and a spinner is shown instead of a bar.
func NewBytesProgress(total int64, describe string, out io.Writer) *BytesProgress {
	if total <= 0 {
		total = -1
	}
	return &BytesProgress{
		progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(out),
			optionEnableColorCodes,
			optionSetWidth,
			optionSetTheme,
			optionShowBytes,
			optionThrottle,
			progressbar.OptionSetDescription(describe),
			progressbar.OptionOnCompletion(func() {
				_, _ = io.WriteString(out, "\n")
			}),
		),
	}
}

func (bp *BytesProgress) Done() {
	if err := bp.Finish(); err != nil {
		logrus.Debugf("failed to finish progress bar: %v", err)
	}
}

func (bp *BytesProgress) Fail(err error) {
	if err != nil {
		bp.Describe(err.Error())
	}
	if exitErr := bp.Exit(); exitErr != nil {
		logrus.Debugf("failed to stop progress bar: %v", exitErr)
	}
}
