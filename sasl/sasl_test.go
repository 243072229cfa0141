package sasl

import (
	"bytes"
	"strings"
	"testing"
)

func TestClientPlain(t *testing.T) {
	c := NewClientPlain("jan", "secret")
	if name, cleartext := c.Info(); name != "PLAIN" || !cleartext {
		t.Fatalf("Info() = %q, %v", name, cleartext)
	}
	toServer, last, err := c.Next(nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !last {
		t.Fatalf("PLAIN should finish after one step")
	}
	want := []byte("\x00jan\x00secret")
	if !bytes.Equal(toServer, want) {
		t.Fatalf("got %q, want %q", toServer, want)
	}
	if _, _, err := c.Next(nil); err == nil {
		t.Fatalf("expected error for step beyond PLAIN's single exchange")
	}
}

func TestClientLogin(t *testing.T) {
	c := NewClientLogin("jan", "secret")
	if name, cleartext := c.Info(); name != "LOGIN" || !cleartext {
		t.Fatalf("Info() = %q, %v", name, cleartext)
	}

	toServer, last, err := c.Next(nil)
	if err != nil || last || toServer != nil {
		t.Fatalf("step 0: got %q, %v, %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Username:"))
	if err != nil || last || string(toServer) != "jan" {
		t.Fatalf("step 1: got %q, %v, %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("Password:"))
	if err != nil || !last || string(toServer) != "secret" {
		t.Fatalf("step 2: got %q, %v, %v", toServer, last, err)
	}
}

func TestClientXOAuth2(t *testing.T) {
	c := NewClientXOAUTH2("jan@mox.example", "ya29.token")
	toServer, last, err := c.Next(nil)
	if err != nil || last {
		t.Fatalf("step 0: got %q, %v, %v", toServer, last, err)
	}
	want := "user=jan@mox.example\x01auth=Bearer ya29.token\x01\x01"
	if string(toServer) != want {
		t.Fatalf("got %q, want %q", toServer, want)
	}
	toServer, last, err = c.Next([]byte(`{"status":"400"}`))
	if err != nil || !last || len(toServer) != 0 {
		t.Fatalf("step 1: got %q, %v, %v", toServer, last, err)
	}
}

func TestClientCRAMMD5(t *testing.T) {
	c := NewClientCRAMMD5("jan", "secret")
	if name, cleartext := c.Info(); name != "CRAM-MD5" || cleartext {
		t.Fatalf("Info() = %q, %v", name, cleartext)
	}
	toServer, last, err := c.Next(nil)
	if err != nil || last || toServer != nil {
		t.Fatalf("step 0: got %q, %v, %v", toServer, last, err)
	}
	toServer, last, err = c.Next([]byte("<1896.697170952@mox.example>"))
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if !last {
		t.Fatalf("CRAM-MD5 should finish after the challenge response")
	}
	if !strings.HasPrefix(string(toServer), "jan ") {
		t.Fatalf("got %q, want prefix %q", toServer, "jan ")
	}
}

func TestClientCRAMMD5BadChallenge(t *testing.T) {
	c := NewClientCRAMMD5("jan", "secret")
	c.Next(nil)
	if _, _, err := c.Next([]byte("no angle brackets")); err == nil {
		t.Fatalf("expected error for malformed challenge")
	}

	c = NewClientCRAMMD5("jan", "secret")
	c.Next(nil)
	if _, _, err := c.Next([]byte("<missingdot>")); err == nil {
		t.Fatalf("expected error for challenge missing a dot separator")
	}
}

func TestClientDigestMD5(t *testing.T) {
	c := NewClientDigestMD5("jan", "secret", "mox.example")
	if name, cleartext := c.Info(); name != "DIGEST-MD5" || cleartext {
		t.Fatalf("Info() = %q, %v", name, cleartext)
	}
	challenge := []byte(`realm="mox.example",nonce="OA6MG9tEQGm2hh",qop="auth",charset=utf-8,algorithm=md5-sess`)
	toServer, last, err := c.Next(challenge)
	if err != nil {
		t.Fatalf("step 0: %v", err)
	}
	if last {
		t.Fatalf("DIGEST-MD5 should not finish after its first response")
	}
	s := string(toServer)
	for _, sub := range []string{`username="jan"`, `realm="mox.example"`, `nonce="OA6MG9tEQGm2hh"`, `digest-uri="smtp/mox.example"`, "qop=auth"} {
		if !strings.Contains(s, sub) {
			t.Fatalf("response %q missing %q", s, sub)
		}
	}

	toServer, last, err = c.Next([]byte(`rspauth=abcdef`))
	if err != nil || !last || len(toServer) != 0 {
		t.Fatalf("step 1: got %q, %v, %v", toServer, last, err)
	}
}

func TestClientDigestMD5MissingNonce(t *testing.T) {
	c := NewClientDigestMD5("jan", "secret", "mox.example")
	if _, _, err := c.Next([]byte(`realm="mox.example"`)); err == nil {
		t.Fatalf("expected error for challenge without a nonce")
	}
}
