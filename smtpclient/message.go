package smtpclient

import "io"

// Message is the external collaborator supplying the envelope and data of a
// mail submission. The core never inspects or rewrites the bytes Data
// returns; MIME construction and RFC 5322 header formatting happen entirely
// on the caller's side.
type Message interface {
	// From returns the envelope sender as an RFC 5321 path without angle
	// brackets, e.g. "alice@example.com". An empty string is the null
	// reverse-path used for delivery status notifications.
	From() string

	// Recipients returns the envelope recipients as RFC 5321 paths without
	// angle brackets. Must be non-empty.
	Recipients() []string

	// Data returns a reader over the RFC 5322 header+body sequence, with
	// CRLF line endings, ready for transparency-filtering and transmission
	// in the DATA phase. Called once per delivery attempt.
	Data() (io.Reader, error)

	// Size returns the length in bytes of the stream Data will produce, for
	// the SMTP SIZE extension and MessageTooLarge pre-flight checks. A
	// non-positive value disables the size check.
	Size() int64
}
