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
	"io"
	"os"

	"github.com/moby/term"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	ColorModeAuto   = "auto"
	ColorModeNever  = "never"
	ColorModeAlways = "always"
)

var SupportedColorModes = []string{
	ColorModeAuto,
	ColorModeNever,
	ColorModeAlways,
}

type LogOptions struct {
	// mocker log directory, default is `$HOME/mocker/log`
	OutputPath string
	// Verbose: if it is true will set debug log mode.
	Verbose bool
	// ColorMode is one of SupportedColorModes, auto colors only terminals.
	ColorMode   string
	HideLogTime bool
	HideLogPath bool
	// LogToFile flag represent whether write log to disk, default is false.
	LogToFile bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

func Init(options LogOptions) error {
	if options.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	out := options.Output
	if out == nil {
		out = os.Stderr
	}
	logrus.SetOutput(out)

	disableColor, err := resolveColor(options.ColorMode, out)
	if err != nil {
		return err
	}

	logrus.SetReportCaller(!options.HideLogPath)

	logrus.SetFormatter(&Formatter{
		DisableColor: disableColor,
		HideLogTime:  options.HideLogTime,
		HideLogPath:  options.HideLogPath,
	})

	if options.LogToFile {
		fh, err := NewFileHook(options.OutputPath)
		if err != nil {
			return errors.Errorf("failed to init log file hook: %v", err)
		}
		logrus.AddHook(fh)
	}

	return nil
}

// resolveColor reports whether colors must be disabled for out.
func resolveColor(mode string, out io.Writer) (bool, error) {
	switch mode {
	case ColorModeAlways:
		return false, nil
	case ColorModeNever:
		return true, nil
	case ColorModeAuto, "":
		return !IsTerminal(out), nil
	default:
		return false, errors.Errorf("invalid color mode %q, the possible values are %v", mode, SupportedColorModes)
	}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	_, isTerminal := term.GetFdInfo(w)
	return isTerminal
}
