package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The fault handler uses it to indent
// register dumps under the fatal-error banner.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the sink, emitting Prefix before the first byte of every
// line. The returned byte count excludes the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	for start < len(p) {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		end := start
		for end < len(p) && p[end] != '\n' {
			end++
		}
		if end < len(p) {
			end++
			w.midLine = false
		}

		n, err := w.Sink.Write(p[start:end])
		written += n
		if err != nil {
			return written, err
		}
		start = end
	}

	return written, nil
}

// IndentedSink returns a PrefixWriter that indents every line sent to the
// active output sink. If no sink is attached yet it returns nil so that
// Fprintf falls back to the early print buffer.
func IndentedSink(prefix string) io.Writer {
	if outputSink == nil {
		return nil
	}
	return &PrefixWriter{Sink: outputSink, Prefix: []byte(prefix)}
}
