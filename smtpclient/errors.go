package smtpclient

import (
	"errors"
	"fmt"

	"github.com/sendkit/smtpsubmit/sasl"
	"github.com/sendkit/smtpsubmit/smtp"
)

// Sentinel errors identifying a failure kind. Error wraps one of these, so
// callers can classify a failure with errors.Is without inspecting Reply or
// Command. smtp.ErrUnexpectedEOF and smtp.ErrInvalidResponse, defined in the
// smtp package, serve the same role for reply-framing failures.
var (
	ErrIO                    = errors.New("smtpclient: i/o error")
	ErrTLS                   = errors.New("smtpclient: tls error")
	ErrTimeout               = errors.New("smtpclient: operation timed out")
	ErrStatus                = errors.New("smtpclient: unexpected status code")
	ErrAuthenticationFailed  = errors.New("smtpclient: authentication failed")
	ErrTemporaryAuthFailure  = errors.New("smtpclient: temporary authentication failure")
	ErrMissingCredentials    = errors.New("smtpclient: server requires authentication but none were configured")
	ErrAllRecipientsRejected = errors.New("smtpclient: all recipients rejected")
	ErrMessageTooLarge       = errors.New("smtpclient: message exceeds server's announced maximum size")
	ErrDkimSigningFailed     = errors.New("smtpclient: dkim signing failed")
	ErrInvalidState          = errors.New("smtpclient: client unusable after a previous protocol error")
	ErrClosed                = errors.New("smtpclient: client is closed")
)

// Error is a failure during an SMTP command, carrying the server's reply
// when there was one. Command is the SMTP verb that was in flight, e.g.
// "ehlo", "mailfrom", "rcptto", "data", "starttls", "auth".
//
// Use errors.Is against one of the Err-variables in this package, or
// smtp.ErrUnexpectedEOF/smtp.ErrInvalidResponse, to classify the failure.
type Error struct {
	Command string
	Reply   smtp.Reply // Zero value if the failure occurred before a reply was read.
	Err     error
}

func (e Error) Error() string {
	s := e.Err.Error()
	if e.Command != "" {
		s = e.Command + ": " + s
	}
	if len(e.Reply.Lines) > 0 {
		s += ": " + e.Reply.Text()
	}
	return s
}

func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether the reply that caused this error was a 5xx
// response. False for errors with no reply, e.g. i/o failures.
func (e Error) Permanent() bool {
	return e.Reply.PermanentFailure()
}

// RecipientResult is the outcome of a single RCPT TO command, as gathered by
// DeliverMultiple.
type RecipientResult struct {
	Recipient string
	Reply     smtp.Reply
	Err       error // Non-nil if Reply is not a 2xx/3xx success.
}

// AllRecipientsRejectedError is returned by DeliverMultiple when every
// recipient in a transaction was rejected, so the DATA command was never
// attempted. PerRecipient holds the response each recipient received.
type AllRecipientsRejectedError struct {
	PerRecipient []RecipientResult
}

func (e *AllRecipientsRejectedError) Error() string {
	return fmt.Sprintf("%s: %d recipients", ErrAllRecipientsRejected, len(e.PerRecipient))
}

func (e *AllRecipientsRejectedError) Unwrap() error {
	return ErrAllRecipientsRejected
}

// MessageTooLargeError is returned when the server advertised a SIZE limit
// smaller than the message being delivered.
type MessageTooLargeError struct {
	Limit int64
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("%s: limit %d", ErrMessageTooLarge, e.Limit)
}

func (e *MessageTooLargeError) Unwrap() error {
	return ErrMessageTooLarge
}

// DkimSigningFailedError wraps a failure from the dkim package encountered
// while preparing a DKIM-Signature header for a message about to be sent.
type DkimSigningFailedError struct {
	Reason error
}

func (e *DkimSigningFailedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDkimSigningFailed, e.Reason)
}

func (e *DkimSigningFailedError) Unwrap() error {
	return ErrDkimSigningFailed
}

// UnsupportedAuthError is returned when none of the mechanisms the server
// offered are implied by the configured credentials. It is an alias of
// sasl.UnsupportedAuthError, the type that sasl.Select itself returns, so
// callers never see a second, redundant error type for the same condition.
type UnsupportedAuthError = sasl.UnsupportedAuthError
