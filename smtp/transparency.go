package smtp

import "io"

var dot = []byte(".")
var crlf = []byte("\r\n")
var dotcrlf = []byte(".\r\n")

// TransparencyWriter applies the SMTP transparency procedure (dot-stuffing) to
// a message body as it is streamed to an SMTP DATA command, and adds the
// terminating "." line on Close.
//
// A line is considered to start right after any CR, LF, or CRLF, not only
// after a full CRLF. This is stricter than RFC 5321, which only requires
// stuffing after CRLF, but it prevents an SMTP smuggling receiver that treats
// bare CR or LF as a line ending from ever seeing an unstuffed leading dot.
// ../rfc/5321:2003
type TransparencyWriter struct {
	w           io.Writer
	atLineStart bool
	prevlast    byte
	last        byte
}

// NewTransparencyWriter returns a writer that applies dot-stuffing to
// everything written to it and forwards the result to w.
func NewTransparencyWriter(w io.Writer) *TransparencyWriter {
	return &TransparencyWriter{w: w, atLineStart: true, prevlast: '\r', last: '\n'}
}

// Write implements io.Writer. It never returns a short write without an
// error.
func (tw *TransparencyWriter) Write(buf []byte) (int, error) {
	total := len(buf)
	for len(buf) > 0 {
		if tw.atLineStart && buf[0] == '.' {
			if _, err := tw.w.Write(dot); err != nil {
				return 0, err
			}
		}

		// Find the end of the next line, including its terminating CR or LF.
		i := 0
		for i < len(buf) && buf[i] != '\n' && buf[i] != '\r' {
			i++
		}
		if i < len(buf) {
			i++
		}

		if _, err := tw.w.Write(buf[:i]); err != nil {
			return 0, err
		}
		if i > 0 {
			b := buf[i-1]
			tw.atLineStart = b == '\n' || b == '\r'
			if i >= 2 {
				tw.prevlast, tw.last = buf[i-2], buf[i-1]
			} else {
				tw.prevlast, tw.last = tw.last, buf[0]
			}
		}
		buf = buf[i:]
	}
	return total, nil
}

// Close finishes the DATA command by ensuring the message ends in a CRLF,
// then writing the terminating bare-dot line. It does not close the
// underlying writer.
func (tw *TransparencyWriter) Close() error {
	if tw.prevlast != '\r' || tw.last != '\n' {
		if _, err := tw.w.Write(crlf); err != nil {
			return err
		}
	}
	_, err := tw.w.Write(dotcrlf)
	return err
}

// WriteMessage copies r to w with dot-stuffing applied, and writes the
// terminating dot line. It is a convenience wrapper around
// TransparencyWriter for callers that have the full message as a Reader.
func WriteMessage(w io.Writer, r io.Reader) error {
	tw := NewTransparencyWriter(w)
	if _, err := io.Copy(tw, r); err != nil {
		return err
	}
	return tw.Close()
}
