// Package sasl implements the client side of a handful of Simple
// Authentication and Security Layer (RFC 4422) mechanisms used for SMTP
// AUTH: PLAIN, LOGIN, XOAUTH2, CRAM-MD5 and DIGEST-MD5.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"strings"
)

// Client is a SASL client.
type Client interface {
	// Name as used in SMTP AUTH, e.g. PLAIN, CRAM-MD5, DIGEST-MD5.
	// cleartextCredentials indicates if credentials are exchanged in clear text,
	// which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL communication. The first call has
	// a nil fromServer and serves to get a possible "initial response" from the
	// client. If the client sends its final message it indicates so with last.
	// Returning an error aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates
	// there is no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication. ../rfc/4616
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\x00%s\x00%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the (non-standard but widely deployed)
// SASL LOGIN mechanism: username on the first challenge, password on the
// second.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientXOAuth2 struct {
	Username, Token string
	step            int
}

var _ Client = (*clientXOAuth2)(nil)

// NewClientXOAUTH2 returns a client for the XOAUTH2 mechanism, used to
// authenticate with an OAuth2 bearer token in place of a password.
func NewClientXOAUTH2(username, token string) Client {
	return &clientXOAuth2{username, token, 0}
}

func (a *clientXOAuth2) Info() (name string, hasCleartextCredentials bool) {
	return "XOAUTH2", true
}

func (a *clientXOAuth2) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		s := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.Username, a.Token)
		return []byte(s), false, nil
	case 1:
		// Server rejected the token and sent an error response as a 334 challenge
		// with a JSON body; client must reply with an empty line to get the final
		// failure status.
		return []byte{}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
// ../rfc/2195
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// Validate the challenge. ../rfc/2195:82
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("invalid challenge, missing angle brackets")
		}
		t := strings.SplitN(s, ".", 2)
		if len(t) != 2 || t[0] == "" {
			return nil, false, fmt.Errorf("invalid challenge, missing dot or random digits")
		}
		t = strings.Split(t[1], "@")
		if len(t) == 1 || t[0] == "" || t[len(t)-1] == "" {
			return nil, false, fmt.Errorf("invalid challenge, empty timestamp or empty hostname")
		}

		mac := hmac.New(md5.New, []byte(a.Password))
		mac.Write(fromServer)

		// ../rfc/2195:88
		return []byte(fmt.Sprintf("%s %x", a.Username, mac.Sum(nil))), true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientDigestMD5 struct {
	Username, Password, Host string
	step                     int
}

var _ Client = (*clientDigestMD5)(nil)

// NewClientDigestMD5 returns a client for SASL DIGEST-MD5 authentication.
// Host is the "digest-uri" host component, typically the server's hostname.
// ../rfc/2831
func NewClientDigestMD5(username, password, host string) Client {
	return &clientDigestMD5{username, password, host, 0}
}

func (a *clientDigestMD5) Info() (name string, hasCleartextCredentials bool) {
	return "DIGEST-MD5", false
}

func (a *clientDigestMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	if a.step == 0 && fromServer == nil {
		// No initial response; the challenge comes with the next call.
		return nil, false, nil
	}
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		directives, err := parseDigestDirectives(fromServer)
		if err != nil {
			return nil, false, fmt.Errorf("parsing digest-challenge: %w", err)
		}
		realm := directives["realm"]
		nonce := directives["nonce"]
		if nonce == "" {
			return nil, false, fmt.Errorf("digest-challenge missing nonce")
		}

		cnonceRaw := make([]byte, 16)
		if _, err := rand.Read(cnonceRaw); err != nil {
			return nil, false, fmt.Errorf("generating cnonce: %w", err)
		}
		cnonce := fmt.Sprintf("%x", cnonceRaw)

		digestURI := "smtp/" + a.Host
		response := digestMD5Response(a.Username, realm, a.Password, nonce, cnonce, "00000001", digestURI)

		var b strings.Builder
		fmt.Fprintf(&b, `username="%s"`, a.Username)
		if realm != "" {
			fmt.Fprintf(&b, `,realm="%s"`, realm)
		}
		fmt.Fprintf(&b, `,nonce="%s"`, nonce)
		fmt.Fprintf(&b, `,cnonce="%s"`, cnonce)
		fmt.Fprintf(&b, `,nc=00000001`)
		fmt.Fprintf(&b, `,qop=auth`)
		fmt.Fprintf(&b, `,digest-uri="%s"`, digestURI)
		fmt.Fprintf(&b, `,response=%s`, response)
		fmt.Fprintf(&b, `,charset=utf-8`)

		return []byte(b.String()), false, nil
	case 1:
		// Server confirms rspauth in its second challenge; no further credentials
		// are sent. ../rfc/2831:776
		return []byte{}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

// parseDigestDirectives parses a DIGEST-MD5 comma-separated key=value (or
// key="value") directive list as sent in the server's challenges.
// ../rfc/2831:1016
func parseDigestDirectives(b []byte) (map[string]string, error) {
	m := map[string]string{}
	s := string(b)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing = in directive: %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted value")
			}
			val = s[1 : 1+end]
			s = s[1+end+1:]
		} else {
			comma := strings.IndexByte(s, ',')
			if comma < 0 {
				val = s
				s = ""
			} else {
				val = s[:comma]
				s = s[comma:]
			}
		}
		m[key] = val
		s = strings.TrimPrefix(s, ",")
	}
	return m, nil
}

// digestMD5Response computes the "response" directive value of RFC 2831
// §2.1.2, for qop=auth.
func digestMD5Response(username, realm, password, nonce, cnonce, nc, digestURI string) string {
	h := func(data string) []byte {
		sum := md5.Sum([]byte(data))
		return sum[:]
	}
	hx := func(data []byte) string {
		return fmt.Sprintf("%x", data)
	}

	a1 := h(fmt.Sprintf("%s:%s:%s", username, realm, password))
	a1 = md5Sum(string(a1) + ":" + nonce + ":" + cnonce)
	a2 := h("AUTHENTICATE:" + digestURI)

	response := hx(md5Sum(hx(a1) + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + hx(a2)))
	return response
}

func md5Sum(s string) []byte {
	sum := md5.Sum([]byte(s))
	return sum[:]
}
