// Package traceio provides io.Reader/io.Writer wrappers that log the bytes
// passing through them at a configurable trace level, for protocol-level
// debugging of an SMTP session.
package traceio

import (
	"io"

	"github.com/sendkit/smtpsubmit/mlog"
)

// TraceWriter logs each Write at its configured trace level, prefixed, before
// forwarding the bytes to the underlying writer.
type TraceWriter struct {
	log    *mlog.Log
	prefix string
	w      io.Writer
	level  mlog.Level
}

// NewTraceWriter returns a TraceWriter logging at mlog.LevelTrace.
func NewTraceWriter(log *mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

// Write implements io.Writer.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	if len(buf) > 0 {
		w.log.Trace(w.level, w.prefix+string(buf))
	}
	return w.w.Write(buf)
}

// SetTrace changes the level at which future writes are logged, e.g. to
// LevelTraceauth while exchanging AUTH credentials, so they can be filtered
// or redacted independently from protocol chatter.
func (w *TraceWriter) SetTrace(level mlog.Level) {
	w.level = level
}

// TraceReader logs each Read at its configured trace level, prefixed, after
// reading the bytes from the underlying reader.
type TraceReader struct {
	log    *mlog.Log
	prefix string
	r      io.Reader
	level  mlog.Level
}

// NewTraceReader returns a TraceReader logging at mlog.LevelTrace.
func NewTraceReader(log *mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

// Read implements io.Reader.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix+string(buf[:n]))
	}
	return n, err
}

// SetTrace changes the level at which future reads are logged.
func (r *TraceReader) SetTrace(level mlog.Level) {
	r.level = level
}
