// Copyright 2021 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging bridges the logrus logger used by some vendored
// CrowdSec components into the zap logger the rest of this module uses,
// so a single structured-logging sink sees every log line regardless of
// which layer produced it.
package logging

import (
	"errors"
	"io"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OverrideLogrusLogger silences the standard logrus logger's own output
// and redirects every entry it receives to logger instead, tagging each
// line with instanceID and address for correlation. shouldFailHard
// escalates error-level-and-above entries to a fatal log (process exit)
// instead of merely logging them.
func OverrideLogrusLogger(logger *zap.Logger, instanceID, address string, shouldFailHard bool) {
	std := logrus.StandardLogger()
	std.SetOutput(io.Discard)

	hooks := logrus.LevelHooks{}
	hooks.Add(&zapAdapterHook{
		logger:         logger,
		shouldFailHard: shouldFailHard,
		address:        address,
		instanceID:     instanceID,
	})
	std.ReplaceHooks(hooks)
}

type zapAdapterHook struct {
	logger         *zap.Logger
	shouldFailHard bool
	address        string
	instanceID     string
}

func (zh *zapAdapterHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (zh *zapAdapterHook) Fire(entry *logrus.Entry) error {
	if zh == nil || zh.logger == nil || entry == nil {
		return nil
	}

	msg := entry.Message
	fields := []zapcore.Field{zap.String("instance_id", zh.instanceID), zap.String("address", zh.address)}
	switch {
	case entry.Level <= logrus.ErrorLevel: // error, fatal, panic
		fields = append(fields, zap.Error(errors.New(msg)))
		if zh.shouldFailHard {
			zh.logger.Fatal(firstToLower(msg), fields...)
		} else {
			zh.logger.Error(firstToLower(msg), fields...)
		}
	default:
		level := zapcore.DebugLevel
		if l, ok := levelAdapter[entry.Level]; ok {
			level = l
		}
		zh.logger.Log(level, firstToLower(msg), fields...)
	}

	return nil
}

func firstToLower(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return s
	}
	lc := unicode.ToLower(r)
	if r == lc {
		return s
	}
	return string(lc) + s[size:]
}

var levelAdapter = map[logrus.Level]zapcore.Level{
	logrus.TraceLevel: zapcore.DebugLevel, // no trace level in zap
	logrus.DebugLevel: zapcore.DebugLevel,
	logrus.InfoLevel:  zapcore.InfoLevel,
	logrus.WarnLevel:  zapcore.WarnLevel,
	logrus.ErrorLevel: zapcore.ErrorLevel,
	logrus.FatalLevel: zapcore.FatalLevel,
	logrus.PanicLevel: zapcore.PanicLevel,
}

var _ logrus.Hook = (*zapAdapterHook)(nil)
