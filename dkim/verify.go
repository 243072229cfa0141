package dkim

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrSigHeaderMissing is returned by Verify when msg has no DKIM-Signature header.
var ErrSigHeaderMissing = errors.New("dkim: no DKIM-Signature header found")

// Verify checks the first DKIM-Signature header found in msg against
// publicKey. On success it returns the parsed signature so the caller can
// apply additional policy, for example with DefaultPolicy.
//
// publicKey must be an *rsa.PublicKey or ed25519.PublicKey, typically
// obtained by a caller from a "<selector>._domainkey.<domain>" DNS TXT
// record parsed with ParseRecord.
//
// smtputf8 indicates whether the message uses internationalized header
// field values, affecting identity (i=) parsing.
func Verify(publicKey any, smtputf8 bool, msg io.ReaderAt) (*Sig, error) {
	br := bufio.NewReader(&atReader{R: msg})
	hdrs, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}

	var sigHeader *header
	for i := range hdrs {
		if hdrs[i].lkey == "dkim-signature" {
			sigHeader = &hdrs[i]
			break
		}
	}
	if sigHeader == nil {
		return nil, ErrSigHeaderMissing
	}

	sig, verifySig, err := parseSignature(sigHeader.raw, smtputf8)
	if err != nil {
		return nil, fmt.Errorf("parsing dkim-signature header: %w", err)
	}

	hash, canonHeaderSimple, canonBodySimple, err := checkSignatureParams(sig)
	if err != nil {
		return nil, err
	}

	if err := verifyAgainstKey(publicKey, sig, hash, canonHeaderSimple, canonBodySimple, hdrs, verifySig); err != nil {
		return nil, err
	}

	body := bufio.NewReader(&atReader{R: msg, Offset: int64(bodyOffset)})
	bh, err := bodyHash(hash.New(), canonBodySimple, body)
	if err != nil {
		return nil, fmt.Errorf("calculating body hash: %w", err)
	}
	if !bytes.Equal(sig.BodyHash, bh) {
		return nil, fmt.Errorf("%w: signature bodyhash %x != calculated bodyhash %x", ErrBodyhashMismatch, sig.BodyHash, bh)
	}
	return sig, nil
}

// checkSignatureParams validates the signature's own parameters, without
// consulting any published key material.
func checkSignatureParams(sig *Sig) (hash crypto.Hash, canonHeaderSimple, canonBodySimple bool, rerr error) {
	// "From" header is required. ../rfc/6376:2122 ../rfc/6376:2546
	var from bool
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			from = true
			break
		}
	}
	if !from {
		return 0, false, false, fmt.Errorf(`%w: required "from" header not signed`, ErrFrom)
	}

	// ../rfc/6376:2550
	if sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix() {
		return 0, false, false, fmt.Errorf("%w: expiration time %q", ErrSigExpired, time.Unix(sig.ExpireTime, 0).Format(time.RFC3339))
	}

	h, hok := algHash(sig.AlgorithmHash)
	if !hok {
		return 0, false, false, fmt.Errorf("%w: %q", ErrHashAlgorithmUnknown, sig.AlgorithmHash)
	}

	t := strings.SplitN(sig.Canonicalization, "/", 2)
	switch strings.ToLower(t[0]) {
	case "simple":
		canonHeaderSimple = true
	case "relaxed":
	default:
		return 0, false, false, fmt.Errorf("%w: header canonicalization %q", ErrCanonicalizationUnknown, sig.Canonicalization)
	}

	canon := "simple"
	if len(t) == 2 {
		canon = t[1]
	}
	switch strings.ToLower(canon) {
	case "simple":
		canonBodySimple = true
	case "relaxed":
	default:
		return 0, false, false, fmt.Errorf("%w: body canonicalization %q", ErrCanonicalizationUnknown, sig.Canonicalization)
	}

	// We only recognize query method dns/txt, which is the default. ../rfc/6376:1268
	if len(sig.QueryMethods) > 0 {
		var dnstxt bool
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				dnstxt = true
				break
			}
		}
		if !dnstxt {
			return 0, false, false, fmt.Errorf("need dns/txt query method")
		}
	}

	if sig.Length >= 0 {
		return 0, false, false, fmt.Errorf("l= (length) parameter in signature not supported")
	}

	return h, canonHeaderSimple, canonBodySimple, nil
}

// verifyAgainstKey checks the signature algorithm matches publicKey and that
// the cryptographic signature is valid over the data hash.
func verifyAgainstKey(publicKey any, sig *Sig, hash crypto.Hash, canonHeaderSimple, canonBodySimple bool, hdrs []header, verifySig []byte) error {
	switch k := publicKey.(type) {
	case *rsa.PublicKey:
		if !strings.EqualFold(sig.AlgorithmSign, "rsa") {
			return fmt.Errorf("%w: key is rsa, signature algorithm %q", ErrSigAlgMismatch, sig.AlgorithmSign)
		}
		if k.N.BitLen() < 1024 {
			return ErrWeakKey
		}
		dh, err := dataHash(hash.New(), canonHeaderSimple, sig, hdrs, verifySig)
		if err != nil {
			return fmt.Errorf("calculating data hash: %w", err)
		}
		if err := rsa.VerifyPKCS1v15(k, hash, dh, sig.Signature); err != nil {
			return fmt.Errorf("%w: rsa verification: %s", ErrSigVerify, err)
		}
	case ed25519.PublicKey:
		if !strings.EqualFold(sig.AlgorithmSign, "ed25519") {
			return fmt.Errorf("%w: key is ed25519, signature algorithm %q", ErrSigAlgMismatch, sig.AlgorithmSign)
		}
		dh, err := dataHash(hash.New(), canonHeaderSimple, sig, hdrs, verifySig)
		if err != nil {
			return fmt.Errorf("calculating data hash: %w", err)
		}
		if !ed25519.Verify(k, dh, sig.Signature) {
			return fmt.Errorf("%w: ed25519 verification", ErrSigVerify)
		}
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrSigAlgorithmUnknown, publicKey)
	}
	return nil
}
