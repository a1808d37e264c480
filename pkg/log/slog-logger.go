// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"context"
	"log/slog"
	"strings"
)

// slogger is a slog.Handler which forwards records to a Logger.
type slogger struct {
	l     Logger
	attrs []slog.Attr
	group string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	l := Default()
	if source != "" {
		l = Get(source)
	}
	slog.SetDefault(slog.New(SlogHandler(l)))
}

// SlogHandler returns a slog.Handler which emits records using the Logger.
func SlogHandler(l Logger) slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	if level < slog.LevelInfo {
		return s.l.DebugEnabled()
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	b := strings.Builder{}
	b.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		b.WriteString(" ")
		if s.group != "" {
			b.WriteString(s.group + ".")
		}
		b.WriteString(a.Key + "=" + a.Value.String())
		return true
	}
	for _, a := range s.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)

	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", b.String())
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", b.String())
	case r.Level < slog.LevelError:
		s.l.Warn("%s", b.String())
	default:
		s.l.Error("%s", b.String())
	}
	return nil
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &slogger{
		l:     s.l,
		attrs: append(append([]slog.Attr{}, s.attrs...), attrs...),
		group: s.group,
	}
}

func (s *slogger) WithGroup(name string) slog.Handler {
	group := name
	if s.group != "" {
		group = s.group + "." + name
	}
	return &slogger{l: s.l, attrs: s.attrs, group: group}
}
