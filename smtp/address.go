package smtp

import (
	"errors"
	"strings"

	"github.com/sendkit/smtpsubmit/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is the part of an email address before the "@". It is kept
// as-is, case-sensitively, since some systems treat it as significant.
type Localpart string

// Path is a reverse-path or forward-path as used in the MAIL FROM and RCPT TO
// commands: a localpart and a domain. Unlike RFC 5321, there is no support
// for source routes, and no support for an address literal in place of a
// domain; this package is for mail submission to a fixed, already-resolved
// host, not general-purpose delivery.
type Path struct {
	Localpart Localpart
	Domain    dns.Domain
}

// IsZero returns whether p is the empty/null path, as used for the envelope
// sender of a bounce message ("MAIL FROM:<>").
func (p Path) IsZero() bool {
	return p.Localpart == "" && p.Domain.IsZero()
}

// String returns the address as "localpart@domain", or the empty string for
// the null path.
func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return string(p.Localpart) + "@" + p.Domain.ASCII
}

// XString is like String, but uses the domain's unicode form when utf8 is
// true and the domain has one.
func (p Path) XString(utf8 bool) string {
	if p.IsZero() {
		return ""
	}
	return string(p.Localpart) + "@" + p.Domain.XName(utf8)
}

// ParseAddress parses an "localpart@domain" address. It does not attempt to
// cover the full grammar for the local part defined in RFC 5321/5322 -
// quoted strings and address literals are rejected - which is sufficient for
// addresses used as envelope sender/recipient of outgoing mail.
func ParseAddress(s string) (Path, error) {
	t := strings.SplitN(s, "@", 2)
	if len(t) != 2 || t[0] == "" || t[1] == "" {
		return Path{}, ErrBadAddress
	}
	for _, c := range t[0] {
		if c <= ' ' || c == '@' || c == '"' || c == '\\' || c > '~' {
			return Path{}, ErrBadAddress
		}
	}
	dom, err := dns.ParseDomain(t[1])
	if err != nil {
		return Path{}, errors.Join(ErrBadAddress, err)
	}
	return Path{Localpart(t[0]), dom}, nil
}
