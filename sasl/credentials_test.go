package sasl

import (
	"errors"
	"strings"
	"testing"
)

func TestSelectPreferenceOrder(t *testing.T) {
	// Select must pick the most preferred mechanism the server offers that
	// the credential kind can satisfy, regardless of the order offered.
	offered := []string{"PLAIN", "LOGIN", "CRAM-MD5"}
	c, err := Select(offered, Credentials{Kind: KindCramMD5, Username: "jan", Password: "secret"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name, _ := c.Info(); name != "CRAM-MD5" {
		t.Fatalf("got %q, want CRAM-MD5", name)
	}
}

func TestSelectFallsBackWhenPreferredNotOffered(t *testing.T) {
	offered := []string{"PLAIN", "LOGIN"}
	c, err := Select(offered, Credentials{Kind: KindPlain, Username: "jan", Password: "secret"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name, _ := c.Info(); name != "PLAIN" {
		t.Fatalf("got %q, want PLAIN", name)
	}
}

func TestSelectXOAuth2OnlyForOAuth2Credentials(t *testing.T) {
	offered := []string{"XOAUTH2", "PLAIN"}

	// A plain username/password credential never matches XOAUTH2.
	c, err := Select(offered, Credentials{Kind: KindPlain, Username: "jan", Password: "secret"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name, _ := c.Info(); name != "PLAIN" {
		t.Fatalf("got %q, want PLAIN", name)
	}

	// A token credential never matches a password-based mechanism, even if
	// XOAUTH2 were not offered.
	_, err = Select([]string{"PLAIN", "LOGIN"}, Credentials{Kind: KindOAuth2, Username: "jan", Token: "tok"})
	var unsupported *UnsupportedAuthError
	if !errors.As(err, &unsupported) {
		t.Fatalf("got %v, want UnsupportedAuthError", err)
	}
}

func TestSelectUnsupported(t *testing.T) {
	_, err := Select([]string{"PLAIN"}, Credentials{Kind: KindCramMD5, Username: "jan", Password: "secret"})
	var unsupported *UnsupportedAuthError
	if !errors.As(err, &unsupported) {
		t.Fatalf("got %v, want UnsupportedAuthError", err)
	}
	if unsupported.Requested != KindCramMD5 {
		t.Fatalf("Requested = %q, want %q", unsupported.Requested, KindCramMD5)
	}
}

func TestSelectDigestMD5CarriesHost(t *testing.T) {
	c, err := Select([]string{"DIGEST-MD5"}, Credentials{Kind: KindDigestMD5, Username: "jan", Password: "secret", Host: "mox.example"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	toServer, _, err := c.Next([]byte(`realm="mox.example",nonce="abc",qop="auth"`))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !strings.Contains(string(toServer), `digest-uri="smtp/mox.example"`) {
		t.Fatalf("response %q missing digest-uri for configured host", toServer)
	}
}
