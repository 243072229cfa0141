package smtpclient

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sendkit/smtpsubmit/dkim"
	"github.com/sendkit/smtpsubmit/dns"
	"github.com/sendkit/smtpsubmit/smtp"
)

// SignMessage wraps msg so that every Data call returns the message with a
// DKIM-Signature header prepended, computed by dkim.Sign over the message
// as it currently reads. localpart and domain identify the signing party
// (the "i=" and "d=" tags); smtputf8 is passed on to dkim.Sign, which writes
// the identity tag the same way whatever its value.
//
// Signing requires buffering the whole message, since dkim.Sign needs
// random access to compute the body hash independently of the header hash.
func SignMessage(msg Message, localpart smtp.Localpart, domain dns.Domain, sel dkim.Selector, smtputf8 bool) Message {
	return &signedMessage{msg, localpart, domain, sel, smtputf8}
}

type signedMessage struct {
	Message
	localpart smtp.Localpart
	domain    dns.Domain
	sel       dkim.Selector
	smtputf8  bool
}

func (m *signedMessage) Data() (io.Reader, error) {
	r, err := m.Message.Data()
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading message for dkim signing: %w", err)
	}
	header, err := dkim.Sign(m.localpart, m.domain, m.sel, m.smtputf8, bytes.NewReader(buf))
	if err != nil {
		return nil, &DkimSigningFailedError{Reason: err}
	}
	return io.MultiReader(bytes.NewReader([]byte(header)), bytes.NewReader(buf)), nil
}

func (m *signedMessage) Size() int64 {
	if n := m.Message.Size(); n > 0 {
		// The prepended header's length is not known without signing; a signed
		// Size is advisory for the SIZE extension pre-flight check, so return the
		// unsigned length rather than forcing a full sign here.
		return n
	}
	return 0
}
