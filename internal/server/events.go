// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventLog is a bounded queue of gateway log records, served on /api/logs.
// It implements slog.Handler so the core never knows diagnostics exist; main
// fans the gateway's logger out to both the text handler and this queue.
type EventLog struct {
	buf   *eventBuffer
	attrs []slog.Attr
}

type eventBuffer struct {
	mu    sync.Mutex
	next  uint64
	lines []eventLine
	limit int
}

type eventLine struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// NewEventLog creates a queue keeping the most recent limit records.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = 256
	}
	return &EventLog{buf: &eventBuffer{limit: limit, next: 1}}
}

func (e *EventLog) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (e *EventLog) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range e.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})

	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()

	e.buf.lines = append(e.buf.lines, eventLine{Seq: e.buf.next, Time: r.Time, Text: b.String()})
	e.buf.next++
	if len(e.buf.lines) > e.buf.limit {
		e.buf.lines = e.buf.lines[len(e.buf.lines)-e.buf.limit:]
	}
	return nil
}

func (e *EventLog) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &EventLog{
		buf:   e.buf,
		attrs: append(append([]slog.Attr{}, e.attrs...), attrs...),
	}
}

func (e *EventLog) WithGroup(string) slog.Handler { return e }

// Since returns the records newer than seq and the latest sequence number.
func (e *EventLog) Since(seq uint64) ([]eventLine, uint64) {
	e.buf.mu.Lock()
	defer e.buf.mu.Unlock()

	latest := e.buf.next - 1
	var out []eventLine
	for _, l := range e.buf.lines {
		if l.Seq > seq {
			out = append(out, l)
		}
	}
	return out, latest
}
