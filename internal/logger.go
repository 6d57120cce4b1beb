// Copyright 2024 MIMIRO AS
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

package internal

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// LOG is the process logger. It is usable before LoadLogger is called, but
// then writes plain json to stderr without caller information.
var LOG = zerolog.New(os.Stderr).With().Timestamp().Logger()

func LoadLogger(logType, serviceName, level string) {
	loadLogger(os.Stderr, logType, serviceName, level)
}

func loadLogger(out io.Writer, logType, serviceName, level string) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	setLevel(level)
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		if i := strings.LastIndexByte(file, '/'); i >= 0 {
			file = file[i+1:]
		}
		return file + ":" + strconv.Itoa(line)
	}
	switch logType {
	case "console":
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		LOG = zerolog.New(output).With().Caller().Timestamp().Logger()
	default:
		zerolog.MessageFieldName = "msg"
		zerolog.TimestampFieldName = "ts"
		LOG = zerolog.New(out).With().Caller().Timestamp().
			Str("service", serviceName).Str("source", "go").Logger()
	}
}

// componentLogger derives the logger used by one part of the harvester.
func componentLogger(name string) zerolog.Logger {
	return LOG.With().Str("logger", name).Logger()
}

func setLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "TRACE":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
