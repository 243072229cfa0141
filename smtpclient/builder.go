package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sendkit/smtpsubmit/dns"
	"github.com/sendkit/smtpsubmit/mlog"
	"github.com/sendkit/smtpsubmit/sasl"
	"github.com/sendkit/smtpsubmit/traceio"
)

// Builder gathers everything needed to connect to a single, already
// resolved submission host, and produces a ready Client with Connect.
// Builder itself holds no state beyond configuration: the same Builder can
// be reused to open multiple independent sessions.
type Builder struct {
	// Host is the remote server, used both to dial and as the TLS server name
	// for SNI and certificate verification.
	Host dns.Domain
	// Port defaults to 465 when ImplicitTLS is set, otherwise 587.
	Port int
	// ImplicitTLS selects a TLS handshake immediately after connecting, before
	// any SMTP traffic, instead of a plaintext connection with opportunistic
	// STARTTLS.
	ImplicitTLS bool

	// LocalHost is announced in EHLO/HELO. If zero, the system hostname is
	// used, or "localhost" if it cannot be determined or parsed; a real
	// deployment typically sets this to its own reverse-DNS or configured name.
	LocalHost dns.Domain
	// LocalIP, if set, binds the outgoing connection to this source address.
	LocalIP net.IP

	// Credentials, if non-nil, are used to authenticate after the TLS and EHLO
	// steps complete. If nil, no AUTH command is attempted.
	Credentials *sasl.Credentials

	// Timeout bounds each individual network operation (connect, TLS
	// handshake, command round-trip); it is not a total session deadline. Zero
	// means no per-operation deadline; ctx then bounds only connecting and TLS
	// handshakes, as command reads and writes do not consult it.
	Timeout time.Duration

	// AllowInvalidCerts disables certificate chain and name verification for
	// both ImplicitTLS and STARTTLS handshakes. Intended for testing only.
	AllowInvalidCerts bool
	// RootCAs overrides the system root certificate pool used to verify the
	// server's certificate. Nil uses the system pool.
	RootCAs *x509.CertPool

	// Dialer is used to open the TCP connection. A nil Dialer uses a plain
	// *net.Dialer.
	Dialer Dialer

	// Log receives protocol trace output at mlog.LevelTrace and above. A nil
	// Log uses mlog.New("smtpclient").
	Log *mlog.Log
}

// Connect dials the configured host, completes the TLS/EHLO/STARTTLS/AUTH
// handshake described by the Builder's fields, and returns a Client ready
// for DeliverMultiple. On any failure before the session reaches a usable
// phase, the connection is closed and an error is returned; the caller
// never receives a half-open Client.
func (b Builder) Connect(ctx context.Context) (*Client, error) {
	if b.Host.ASCII == "" {
		return nil, fmt.Errorf("smtpclient: host is required")
	}
	port := b.Port
	if port == 0 {
		if b.ImplicitTLS {
			port = 465
		} else {
			port = 587
		}
	}
	localHost := b.LocalHost
	if localHost.ASCII == "" {
		localHost = dns.Domain{ASCII: "localhost"}
		if name, err := os.Hostname(); err == nil {
			if d, err := dns.ParseDomain(name); err == nil {
				localHost = d
			}
		}
	}
	log := b.Log
	if log == nil {
		log = mlog.New("smtpclient")
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	dctx := ctx
	var dcancel context.CancelFunc
	if b.Timeout > 0 {
		dctx, dcancel = context.WithTimeout(ctx, b.Timeout)
		defer dcancel()
	}

	addr := net.JoinHostPort(b.Host.ASCII, strconv.Itoa(port))
	var laddr net.Addr
	if b.LocalIP != nil {
		laddr = &net.TCPAddr{IP: b.LocalIP}
	}
	conn, err := dial(dctx, dialer, addr, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %s", ErrIO, addr, err)
	}

	c := &Client{
		origConn:          conn,
		conn:              conn,
		log:               log,
		remoteHost:        b.Host,
		localHost:         localHost,
		timeout:           b.Timeout,
		allowInvalidCerts: b.AllowInvalidCerts,
		rootCAs:           b.RootCAs,
		phase:             Disconnected,
	}

	if b.ImplicitTLS {
		tlsConn := tls.Client(conn, c.tlsConfig())
		hctx := ctx
		var hcancel context.CancelFunc
		if b.Timeout > 0 {
			hctx, hcancel = context.WithTimeout(ctx, b.Timeout)
			defer hcancel()
		}
		if err := tlsConn.HandshakeContext(hctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %s", ErrTLS, err)
		}
		c.conn = tlsConn
		c.tls = true
	}

	c.tr = traceio.NewTraceReader(c.log, "RS: ", c.conn)
	c.tw = traceio.NewTraceWriter(c.log, "LC: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	if err := c.connect(ctx, b.ImplicitTLS, b.Credentials); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
