package sasl

import "fmt"

// Kind identifies the variant of Credentials supplied by a caller.
type Kind string

const (
	KindPlain     Kind = "plain"
	KindLogin     Kind = "login"
	KindOAuth2    Kind = "oauth2"
	KindCramMD5   Kind = "crammd5"
	KindDigestMD5 Kind = "digestmd5"
)

// Credentials is a tagged value carrying the information needed to
// authenticate with one of the supported mechanisms. Which fields are
// meaningful depends on Kind.
type Credentials struct {
	Kind Kind

	Username string
	Password string // Plain, Login, CramMD5, DigestMD5
	Token    string // OAuth2

	// Host is the digest-uri host component for DigestMD5. ../rfc/2831
	Host string
}

// mechanisms returns the SASL mechanism names, in the preference order of
// §4.3, that Credentials of this Kind can satisfy.
func (c Credentials) mechanisms() []string {
	switch c.Kind {
	case KindCramMD5:
		return []string{"CRAM-MD5"}
	case KindDigestMD5:
		return []string{"DIGEST-MD5"}
	case KindOAuth2:
		return []string{"XOAUTH2"}
	case KindLogin:
		return []string{"LOGIN"}
	case KindPlain:
		return []string{"PLAIN"}
	default:
		return nil
	}
}

// preference is the global mechanism preference order, most preferred
// first.
var preference = []string{"CRAM-MD5", "DIGEST-MD5", "XOAUTH2", "LOGIN", "PLAIN"}

// UnsupportedAuthError is returned by Select when no mechanism offered by the
// server is implied by the supplied credentials.
type UnsupportedAuthError struct {
	Offered   []string
	Requested Kind
}

func (e *UnsupportedAuthError) Error() string {
	return fmt.Sprintf("no offered auth mechanism (%v) matches credential kind %q", e.Offered, e.Requested)
}

// Select picks the most preferred mechanism, per the order CRAM-MD5,
// DIGEST-MD5, XOAUTH2, LOGIN, PLAIN, from the intersection of the
// server-offered mechanisms and the mechanisms implied by creds, and
// returns a ready Client for it.
//
// XOAUTH2 is only selected for OAuth2 credentials: a username/password
// credential never matches XOAUTH2, and a token credential never matches
// any password-based mechanism.
func Select(offered []string, creds Credentials) (Client, error) {
	offeredSet := map[string]bool{}
	for _, m := range offered {
		offeredSet[m] = true
	}

	allowed := map[string]bool{}
	for _, m := range creds.mechanisms() {
		allowed[m] = true
	}

	for _, m := range preference {
		if offeredSet[m] && allowed[m] {
			return newClient(m, creds)
		}
	}
	return nil, &UnsupportedAuthError{Offered: offered, Requested: creds.Kind}
}

func newClient(mechanism string, creds Credentials) (Client, error) {
	switch mechanism {
	case "PLAIN":
		return NewClientPlain(creds.Username, creds.Password), nil
	case "LOGIN":
		return NewClientLogin(creds.Username, creds.Password), nil
	case "XOAUTH2":
		return NewClientXOAUTH2(creds.Username, creds.Token), nil
	case "CRAM-MD5":
		return NewClientCRAMMD5(creds.Username, creds.Password), nil
	case "DIGEST-MD5":
		return NewClientDigestMD5(creds.Username, creds.Password, creds.Host), nil
	default:
		return nil, fmt.Errorf("unknown mechanism %q", mechanism)
	}
}
