package smtp

import (
	"reflect"
	"testing"
)

func TestParseCaps(t *testing.T) {
	lines := []string{
		"mx.example.com",
		"STARTTLS",
		"ENHANCEDSTATUSCODES",
		"PIPELINING",
		"8BITMIME",
		"SMTPUTF8",
		"SIZE 1048576",
		"AUTH PLAIN LOGIN CRAM-MD5",
		"DSN",
		"REQUIRETLS",
		"CHUNKING",
		"BINARYMIME",
		"X-VENDOR-EXT foo",
	}
	// The first line is the greeting line and is not part of the caps lines
	// passed to ParseCaps.
	c := ParseCaps(lines[1:])

	want := Caps{
		StartTLS:       true,
		Ecodes:         true,
		Pipelining:     true,
		EightBitMIME:   true,
		SMTPUTF8:       true,
		BinaryMIME:     true,
		Chunking:       true,
		Dsn:            true,
		RequireTLS:     true,
		Size:           1048576,
		AuthMechanisms: []string{"PLAIN", "LOGIN", "CRAM-MD5"},
	}
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("ParseCaps = %+v, want %+v", c, want)
	}
}

func TestParseCapsSizeWithoutValue(t *testing.T) {
	c := ParseCaps([]string{"SIZE"})
	if c.Size != 0 {
		t.Fatalf("Size = %d, want 0", c.Size)
	}
}

func TestParseCapsUnknownIgnored(t *testing.T) {
	c := ParseCaps([]string{"VRFY", "SOMETHING WEIRD"})
	want := Caps{}
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("ParseCaps = %+v, want zero value", c)
	}
}

func TestParseCapsLimits(t *testing.T) {
	c := ParseCaps([]string{"LIMITS RCPTMAX=100 MAILMAX=10"})
	want := map[string]string{"RCPTMAX": "100", "MAILMAX": "10"}
	if !reflect.DeepEqual(c.Limits, want) {
		t.Fatalf("Limits = %+v, want %+v", c.Limits, want)
	}
}

func TestParseCapsLimitsBadSyntax(t *testing.T) {
	c := ParseCaps([]string{"LIMITS RCPTMAX"})
	if c.Limits != nil {
		t.Fatalf("Limits = %+v, want nil for malformed LIMITS line", c.Limits)
	}
}

func TestParseCapsCaseInsensitive(t *testing.T) {
	c := ParseCaps([]string{"starttls", "pipelining", "  DSN  "})
	if !c.StartTLS || !c.Pipelining || !c.Dsn {
		t.Fatalf("ParseCaps did not recognize lower-case/padded extensions: %+v", c)
	}
}
