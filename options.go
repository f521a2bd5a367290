// Copyright (c) 2026 The Nimble Authors. All rights reserved.
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

package nimble

import (
	"time"

	"github.com/pfenic/nimble/pkg/logging"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// Options are configurations for an event loop.
type Options struct {
	// TickInterval is the timer resolution. Timer entries fire within one
	// TickInterval of their requested delay. Defaults to 1ms.
	TickInterval time.Duration

	// PollTimeout bounds how long an idle iteration blocks in the poller,
	// which in turn bounds timer latency. Defaults to 1ms.
	PollTimeout time.Duration

	// Logger is the customized logger for logging info, if it is not set,
	// then nimble will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger

	// LogPath is the local path where logs will be written, this is the
	// easiest way to set up logging, nimble instantiates a default uber-go/zap
	// logger with this given log path, you are also allowed to employ your
	// own logger during the lifetime by implementing the logging.Logger
	// interface and setting the Logger field.
	//
	// Note that this option can be overridden by the non-nil Logger option.
	LogPath string

	// LogLevel indicates the logging level, it should be used along with
	// LogPath.
	LogLevel logging.Level
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithTickInterval sets up the timer resolution.
func WithTickInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.TickInterval = d
	}
}

// WithPollTimeout sets up the bounded blocking timeout of an idle iteration.
func WithPollTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.PollTimeout = d
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithLogPath sets up the local path of log file.
func WithLogPath(fileName string) Option {
	return func(opts *Options) {
		opts.LogPath = fileName
	}
}

// WithLogLevel sets up the logging level.
func WithLogLevel(lvl logging.Level) Option {
	return func(opts *Options) {
		opts.LogLevel = lvl
	}
}
