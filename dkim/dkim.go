// Package dkim (DomainKeys Identified Mail signatures, RFC 6376) signs and
// verifies DKIM signatures.
//
// Signatures are added to email messages in DKIM-Signature headers. By signing a
// message, a domain takes responsibility for the message. A message can have
// signatures for multiple domains, and the domain does not necessarily have to
// match a domain in a From header. Receiving mail servers can build a spaminess
// reputation based on domains that signed the message, along with other
// mechanisms.
//
// This package only signs and verifies signatures against an explicitly
// provided public key; it does not resolve DNS TXT records itself. A caller
// that needs to fetch a DKIM DNS record for verification does so on its own
// and passes the resulting key material to Verify.
package dkim

import (
	"bufio"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sendkit/smtpsubmit/dns"
	"github.com/sendkit/smtpsubmit/metrics"
	"github.com/sendkit/smtpsubmit/smtp"
)

// MetricSign is incremented once per signature produced by Sign, labeled by
// the signing key type ("rsa" or "ed25519"). It defaults to a no-op; wire it
// to a real backend with:
//
//	dkim.MetricSign = prom.DKIMSignTotal
var MetricSign metrics.CounterVec = metrics.CounterVecIgnore{}

var timeNow = time.Now // Replaced during tests.

// Signature verification errors.
var (
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with public key")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyhashMismatch        = errors.New("dkim: body hash does not match")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail message header is malformed")
	ErrFrom                    = errors.New("dkim: bad from headers")
	ErrWeakKey                 = errors.New("dkim: key is too weak, need at least 1024 bits for rsa")
)

// Canonicalization holds the header/body canonicalization algorithms to use
// for a signature, as described in RFC 6376 section 3.4.
type Canonicalization struct {
	HeaderRelaxed bool
	BodyRelaxed   bool
}

func (c Canonicalization) String() string {
	h, b := "simple", "simple"
	if c.HeaderRelaxed {
		h = "relaxed"
	}
	if c.BodyRelaxed {
		b = "relaxed"
	}
	return h + "/" + b
}

// Selector describes a DKIM signing key and the parameters to use when
// signing with it, corresponding to a "<selector>._domainkey.<domain>" DNS
// TXT record that must exist for verifiers to validate the signature.
type Selector struct {
	Name             dns.Domain       // Selector name, e.g. "jan2025" for "jan2025._domainkey.example.com".
	Key              crypto.Signer    // *rsa.PrivateKey or ed25519.PrivateKey.
	Hash             string           // "sha256" (default/recommended) or the deprecated "sha1".
	Canonicalization Canonicalization // Defaults to simple/simple, the zero value.
	Headers          []string         // Header field names to include in the signature, e.g. {"From", "To", "Subject", "Date"}.
	SealHeaders      bool             // If set, sign one additional occurrence of each header in Headers beyond those present, preventing a relay from adding unsigned instances.
	Expiration       time.Duration    // If positive, sets the signature expiration (x=) this far after signing.
}

func (s Selector) hashEffective() string {
	if s.Hash == "" {
		return "sha256"
	}
	return s.Hash
}

// Sign returns a DKIM-Signature header, including field name, continuation
// lines and trailing CRLF, ready to be prepended to msg.
//
// msg must be a full RFC 5322 message (header and body, CRLF line endings).
// The message must have exactly one From header field.
func Sign(localpart smtp.Localpart, domain dns.Domain, sel Selector, smtputf8 bool, msg io.ReaderAt) (header string, rerr error) {
	hdrs, bodyOffset, err := parseHeaders(bufio.NewReader(&atReader{R: msg}))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}
	nfrom := 0
	for _, h := range hdrs {
		if h.lkey == "from" {
			nfrom++
		}
	}
	if nfrom != 1 {
		return "", fmt.Errorf("%w: message has %d from headers, need exactly 1", ErrFrom, nfrom)
	}

	sig := newSigWithDefaults()
	sig.Version = 1
	var keyLabel string
	switch sel.Key.(type) {
	case *rsa.PrivateKey:
		sig.AlgorithmSign = "rsa"
		keyLabel = "rsa"
	case ed25519.PrivateKey:
		sig.AlgorithmSign = "ed25519"
		keyLabel = "ed25519"
	default:
		return "", fmt.Errorf("unsupported private key type %T", sel.Key)
	}
	sig.AlgorithmHash = sel.hashEffective()
	sig.Domain = domain
	sig.Selector = sel.Name
	sig.Identity = &Identity{&localpart, domain}
	sig.SignedHeaders = append([]string{}, sel.Headers...)
	if sel.SealHeaders {
		// ../rfc/6376:2156
		// Each time a header name is added to the signature, the next unused value is
		// signed (in reverse order as they occur in the message). So we can add each
		// header name as often as it occurs. But now we'll add the header names one
		// additional time, preventing someone from adding one more header later on.
		counts := map[string]int{}
		for _, h := range hdrs {
			counts[h.lkey]++
		}
		for _, h := range sel.Headers {
			for j := counts[strings.ToLower(h)]; j > 0; j-- {
				sig.SignedHeaders = append(sig.SignedHeaders, h)
			}
		}
	}
	sig.SignTime = timeNow().Unix()
	if sel.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(sel.Expiration/time.Second)
	}
	sig.Canonicalization = sel.Canonicalization.String()

	h, hok := algHash(sig.AlgorithmHash)
	if !hok {
		return "", fmt.Errorf("unrecognized hash algorithm %q", sig.AlgorithmHash)
	}

	// We must now first calculate the hash over the body. Then include that hash in a
	// new DKIM-Signature header. Then hash that and the signed headers into a data
	// hash. Then that hash is finally signed and the signature included in the new
	// DKIM-Signature header.
	// ../rfc/6376:1700
	br := bufio.NewReader(&atReader{R: msg, Offset: int64(bodyOffset)})
	bh, err := bodyHash(h.New(), !sel.Canonicalization.BodyRelaxed, br)
	if err != nil {
		return "", err
	}
	sig.BodyHash = bh

	sigh, err := sig.Header()
	if err != nil {
		return "", err
	}
	verifySig := []byte(strings.TrimSuffix(sigh, "\r\n"))

	dh, err := dataHash(h.New(), !sel.Canonicalization.HeaderRelaxed, sig, hdrs, verifySig)
	if err != nil {
		return "", err
	}

	switch key := sel.Key.(type) {
	case *rsa.PrivateKey:
		sig.Signature, err = key.Sign(cryptorand.Reader, dh, h)
		if err != nil {
			return "", fmt.Errorf("signing data: %v", err)
		}
	case ed25519.PrivateKey:
		// crypto.Hash(0) indicates data isn't prehashed (ed25519ph). We are using
		// PureEdDSA to sign the sha256 hash. ../rfc/8463:123 ../rfc/8032:427
		sig.Signature, err = key.Sign(cryptorand.Reader, dh, crypto.Hash(0))
		if err != nil {
			return "", fmt.Errorf("signing data: %v", err)
		}
	default:
		return "", fmt.Errorf("unsupported private key type: %T", key)
	}

	sigh, err = sig.Header()
	if err != nil {
		return "", err
	}
	MetricSign.IncLabels(keyLabel)
	return sigh, nil
}
