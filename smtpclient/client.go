// Package smtpclient implements the client side of mail submission:
// connecting to a remote mail submission agent, negotiating STARTTLS and
// authentication, and transferring a message with the SMTP transparency
// (dot-stuffing) procedure. It optionally prepends a DKIM-Signature header
// computed by the dkim package before the message is transferred.
//
// A session is driven through an explicit sequence of phases (see Phase):
// connecting, greeted, ready, authenticated, in a mail transaction, sending
// the message data, and finally closed. Operations that are invalid in the
// current phase return ErrInvalidState rather than being attempted.
//
// MIME construction, message parsing, the TLS implementation itself, and
// DNS resolution are not this package's concern; a caller resolves a host
// and passes it to a Builder, and supplies a Message for delivery.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sendkit/smtpsubmit/dns"
	"github.com/sendkit/smtpsubmit/metrics"
	"github.com/sendkit/smtpsubmit/mlog"
	"github.com/sendkit/smtpsubmit/sasl"
	"github.com/sendkit/smtpsubmit/smtp"
	"github.com/sendkit/smtpsubmit/traceio"
)

// MetricCommands records the duration of each command round-trip by command
// name, reply code and enhanced code; MetricAuth counts AUTH attempts by
// mechanism and result ("ok" or "error"). They default to no-ops; wire them
// to a real backend with:
//
//	smtpclient.MetricCommands = prom.ClientCommandDuration
//	smtpclient.MetricAuth = prom.ClientAuthMechanism
var (
	MetricCommands metrics.HistogramVec = metrics.HistogramVecIgnore{}
	MetricAuth     metrics.CounterVec   = metrics.CounterVecIgnore{}
)

// Phase is the state of a Client's session, per the transition table of the
// mail submission protocol engine.
type Phase int

const (
	Disconnected Phase = iota
	Greeted
	Ready
	Authenticated
	InTxn
	Sending
	Closed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Greeted:
		return "greeted"
	case Ready:
		return "ready"
	case Authenticated:
		return "authenticated"
	case InTxn:
		return "intxn"
	case Sending:
		return "sending"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a single mail submission session. Use Builder.Connect to create
// one. A Client is not safe for concurrent use; like the session it models,
// it is used by at most one caller at a time.
type Client struct {
	origConn net.Conn // Closed on Close. conn may wrap it (TLS).
	conn     net.Conn

	r   *bufio.Reader
	w   *bufio.Writer
	tr  *traceio.TraceReader
	tw  *traceio.TraceWriter
	log *mlog.Log

	remoteHost dns.Domain // For SNI and certificate name verification.
	localHost  dns.Domain // EHLO/HELO name announced to the server.
	timeout    time.Duration

	allowInvalidCerts bool
	rootCAs           *x509.CertPool

	phase    Phase
	tls      bool
	botched  bool // Set after a protocol/i/o error; further commands return ErrInvalidState.
	hadCreds bool // Whether credentials were configured; Reset then returns to Authenticated. ErrMissingCredentials is not returned by any path.

	caps     smtp.Caps
	cmd      string // Command currently in flight, for Error.Command.
	cmdStart time.Time
}

// Caps returns the most recently parsed EHLO capability set.
func (c *Client) Caps() smtp.Caps {
	return c.caps
}

// Phase returns the client's current session phase.
func (c *Client) Phase() Phase {
	return c.phase
}

// TLSConnectionState returns TLS details if the connection is TLS protected.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		cs := tlsConn.ConnectionState()
		return &cs
	}
	return nil
}

func (c *Client) errorf(reply smtp.Reply, err error) error {
	return Error{Command: c.cmd, Reply: reply, Err: err}
}

// botch marks the session unusable and returns err unchanged. Any
// further operation on c returns ErrInvalidState instead of touching the
// network.
func (c *Client) botch(err error) error {
	c.botched = true
	return err
}

func (c *Client) checkUsable() error {
	if c.origConn == nil {
		return ErrClosed
	}
	if c.botched {
		return ErrInvalidState
	}
	return nil
}

func (c *Client) deadline() time.Time {
	if c.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.timeout)
}

func (c *Client) writeline(line string) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return c.botch(err)
	}
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		return c.botch(fmt.Errorf("%w: %s", ErrIO, err))
	}
	if err := c.w.Flush(); err != nil {
		return c.botch(fmt.Errorf("%w: %s", ErrIO, err))
	}
	return nil
}

// read reads a single (possibly multiline) reply, classifying timeouts and
// closed connections into the package's error kinds.
func (c *Client) read() (smtp.Reply, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return smtp.Reply{}, c.botch(err)
	}
	rep, err := smtp.ReadReply(c.r)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return smtp.Reply{}, c.botch(fmt.Errorf("%w: %s", ErrTimeout, err))
		}
		if errors.Is(err, smtp.ErrUnexpectedEOF) || errors.Is(err, smtp.ErrInvalidResponse) {
			return smtp.Reply{}, c.botch(err)
		}
		return smtp.Reply{}, c.botch(fmt.Errorf("%w: %s", ErrIO, err))
	}
	return rep, nil
}

// command writes a command line and reads its reply in one step, recording
// timing for MetricCommands.
func (c *Client) command(cmd, line string) (smtp.Reply, error) {
	c.cmd = cmd
	c.cmdStart = time.Now()
	if err := c.writeline(line); err != nil {
		return smtp.Reply{}, err
	}
	rep, err := c.read()
	MetricCommands.ObserveLabels(time.Since(c.cmdStart).Seconds(), cmd, fmt.Sprint(rep.Code), rep.EnhancedCode)
	return rep, err
}

// expectCode classifies an already-read reply against a wanted code,
// producing an Error wrapping ErrStatus on mismatch.
func (c *Client) expectCode(rep smtp.Reply, want int) error {
	if rep.Code != want {
		return c.errorf(rep, ErrStatus)
	}
	return nil
}

// hello performs the EHLO handshake, with a HELO fallback if the server does
// not appear to support EHLO, and records the resulting capability set.
func (c *Client) hello(heloFallbackOK bool) error {
	rep, err := c.command("ehlo", "EHLO "+c.localHost.ASCII)
	if err != nil {
		return err
	}
	switch rep.Code {
	case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
		if !heloFallbackOK {
			return c.errorf(rep, fmt.Errorf("%w: remote does not support ehlo", ErrStatus))
		}
		rep, err = c.command("helo", "HELO "+c.localHost.ASCII)
		if err != nil {
			return err
		}
		if err := c.expectCode(rep, smtp.C250Completed); err != nil {
			return err
		}
		c.caps = smtp.Caps{}
		return nil
	case smtp.C250Completed:
	default:
		return c.errorf(rep, ErrStatus)
	}
	var lines []string
	if len(rep.Lines) > 1 {
		lines = rep.Lines[1:]
	}
	c.caps = smtp.ParseCaps(lines)
	return nil
}

// connect brings a freshly dialed (and, if implicitTLS, already
// TLS-wrapped) connection through banner, EHLO, optional opportunistic
// STARTTLS, and optional authentication.
func (c *Client) connect(ctx context.Context, implicitTLS bool, creds *sasl.Credentials) error {
	rep, err := c.read()
	if err != nil {
		return err
	}
	if err := c.expectCode(rep, smtp.C220ServiceReady); err != nil {
		return err
	}
	c.phase = Greeted

	if err := c.hello(true); err != nil {
		return err
	}
	c.phase = Ready

	if !implicitTLS && c.caps.StartTLS {
		if err := c.startTLS(ctx); err != nil {
			return err
		}
		if err := c.hello(false); err != nil {
			return err
		}
		c.phase = Ready
	}

	if creds != nil {
		c.hadCreds = true
		if err := c.auth(*creds); err != nil {
			return err
		}
		c.phase = Authenticated
	}
	return nil
}

// startTLS performs the STARTTLS command and handshake, replacing c.conn
// with the TLS-wrapped connection, per the requirement that a fresh EHLO
// follow every STARTTLS.
func (c *Client) startTLS(ctx context.Context) error {
	rep, err := c.command("starttls", "STARTTLS")
	if err != nil {
		return err
	}
	if rep.Code != smtp.C220ServiceReady {
		return Error{Command: "starttls", Reply: rep, Err: fmt.Errorf("%w: %s", ErrTLS, ErrStatus)}
	}

	conn := c.conn
	if n := c.r.Buffered(); n > 0 {
		conn = &prefixConn{prefix: io.LimitReader(c.r, int64(n)), Conn: conn}
	}
	tlsConn := tls.Client(conn, c.tlsConfig())

	hctx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return c.botch(fmt.Errorf("%w: starttls handshake: %s", ErrTLS, err))
	}
	c.conn = tlsConn
	c.tls = true
	c.tr = traceio.NewTraceReader(c.log, "RS: ", c.conn)
	c.tw = traceio.NewTraceWriter(c.log, "LC: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.remoteHost.ASCII,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.allowInvalidCerts,
		RootCAs:            c.rootCAs,
	}
}

// prefixConn serves bytes already buffered from a plaintext read before
// falling through to the underlying connection, so bytes read into c.r's
// buffer ahead of a STARTTLS response are not lost to the TLS handshake.
type prefixConn struct {
	prefix io.Reader
	net.Conn
}

func (p *prefixConn) Read(buf []byte) (int, error) {
	n, err := p.prefix.Read(buf)
	if n > 0 || err != io.EOF {
		return n, err
	}
	return p.Conn.Read(buf)
}

// auth negotiates a SASL mechanism from the server's advertised set and the
// supplied credentials, and runs the challenge/response exchange.
// ../rfc/4954:139
func (c *Client) auth(creds sasl.Credentials) error {
	a, err := sasl.Select(c.caps.AuthMechanisms, creds)
	if err != nil {
		return err
	}
	name, cleartext := a.Info()
	result := "error"
	defer func() { MetricAuth.IncLabels(name, result) }()

	abort := func() (smtp.Reply, error) {
		if err := c.writeline("*"); err != nil {
			return smtp.Reply{}, err
		}
		return c.read()
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		return fmt.Errorf("initial step in auth mechanism %s: %w", name, err)
	}
	var restore func()
	if cleartext {
		restore = c.trace(mlog.LevelTraceauth)
		defer func() {
			if restore != nil {
				restore()
			}
		}()
	}

	var line string
	switch {
	case toserver == nil:
		line = "AUTH " + name
	case len(toserver) == 0:
		line = "AUTH " + name + " ="
	default:
		line = "AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver)
	}
	rep, err := c.command("auth", line)
	if err != nil {
		return err
	}

	for {
		switch {
		case rep.Code == smtp.C235AuthSuccess:
			// XOAUTH2's only further step answers an error challenge, so its
			// success comes before the client has sent a last message.
			if !last && name != "XOAUTH2" {
				return c.errorf(rep, fmt.Errorf("%w: completed earlier than expected", ErrAuthenticationFailed))
			}
			result = "ok"
			return nil
		case rep.Code == smtp.C334ContinueAuth:
			if last {
				return c.errorf(rep, fmt.Errorf("%w: unexpected continuation", ErrAuthenticationFailed))
			}
			if len(rep.Lines) != 1 {
				abort()
				return c.errorf(rep, fmt.Errorf("%w: multiline continuation", ErrAuthenticationFailed))
			}
			fromserver, err := base64.StdEncoding.DecodeString(rep.Lines[0])
			if err != nil {
				abort()
				return c.errorf(rep, fmt.Errorf("%w: malformed base64 continuation", ErrAuthenticationFailed))
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				arep, aerr := abort()
				if aerr != nil {
					return aerr
				}
				return c.errorf(arep, fmt.Errorf("client aborted authentication: %w", err))
			}
			if err := c.writeline(base64.StdEncoding.EncodeToString(toserver)); err != nil {
				return err
			}
			rep, err = c.read()
			if err != nil {
				return err
			}
		case rep.Code/100 == 5:
			return c.errorf(rep, ErrAuthenticationFailed)
		case rep.Code/100 == 4:
			return c.errorf(rep, ErrTemporaryAuthFailure)
		default:
			return c.errorf(rep, fmt.Errorf("%w: unexpected response during authentication", ErrStatus))
		}
	}
}

// trace temporarily changes the protocol trace level, returning a function
// that restores it. Used to avoid logging authentication exchanges in the
// clear at the normal trace level.
func (c *Client) trace(level mlog.Level) func() {
	c.w.Flush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.w.Flush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// Deliver attempts to deliver msg to a single recipient. See DeliverMultiple
// for the general case and the meaning of req8bitmime/reqSMTPUTF8/requireTLS.
func (c *Client) Deliver(ctx context.Context, from, recipient string, msg Message, req8bitmime, reqSMTPUTF8, requireTLS bool) error {
	_, err := c.DeliverMultiple(ctx, from, []string{recipient}, msg, req8bitmime, reqSMTPUTF8, requireTLS)
	return err
}

// DeliverMultiple runs one mail transaction (MAIL FROM, RCPT TO for each
// recipient, DATA) against msg's byte stream, transparency-filtered as it is
// written. If there is more than one recipient, per-recipient RCPT failures
// are reported in the returned slice rather than failing the transaction, as
// long as at least one recipient was accepted; with exactly one recipient, a
// rejection is returned as an Error instead.
//
// If all recipients are rejected, *AllRecipientsRejectedError is returned
// and DATA is never attempted.
func (c *Client) DeliverMultiple(ctx context.Context, from string, recipients []string, msg Message, req8bitmime, reqSMTPUTF8, requireTLS bool) (results []RecipientResult, rerr error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if c.phase == InTxn || c.phase == Sending {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}
	if c.phase != Ready && c.phase != Authenticated {
		return nil, ErrInvalidState
	}

	if !c.caps.EightBitMIME && req8bitmime {
		return nil, fmt.Errorf("remote does not support 8bitmime, required by message")
	}
	if !c.caps.SMTPUTF8 && reqSMTPUTF8 {
		return nil, fmt.Errorf("remote does not support smtputf8, required by message")
	}
	if !c.caps.RequireTLS && requireTLS {
		return nil, fmt.Errorf("remote does not support requiretls, required for delivery")
	}
	if size := msg.Size(); c.caps.Size > 0 && size > 0 && size > c.caps.Size {
		return nil, &MessageTooLargeError{Limit: c.caps.Size}
	}

	var mailSize, bodyType, smtputf8Arg, requiretlsArg string
	if c.caps.Size > 0 && msg.Size() > 0 {
		mailSize = fmt.Sprintf(" SIZE=%d", msg.Size())
	}
	if c.caps.EightBitMIME {
		if req8bitmime {
			bodyType = " BODY=8BITMIME"
		} else {
			bodyType = " BODY=7BIT"
		}
	}
	if reqSMTPUTF8 {
		smtputf8Arg = " SMTPUTF8"
	}
	if requireTLS {
		requiretlsArg = " REQUIRETLS"
	}
	mailLine := fmt.Sprintf("MAIL FROM:<%s>%s%s%s%s", from, mailSize, bodyType, smtputf8Arg, requiretlsArg)

	c.phase = InTxn

	var dataAllowed bool
	if c.caps.Pipelining {
		results, dataAllowed, rerr = c.mailRcptPipelined(mailLine, recipients)
	} else {
		results, dataAllowed, rerr = c.mailRcptSequential(mailLine, recipients)
	}
	if rerr != nil {
		c.implicitReset()
		return results, rerr
	}
	if !dataAllowed {
		c.implicitReset()
		if len(recipients) == 1 {
			return results, Error{Command: "rcptto", Reply: results[0].Reply, Err: results[0].Err}
		}
		return results, &AllRecipientsRejectedError{PerRecipient: results}
	}

	c.phase = Sending
	if err := c.sendData(msg); err != nil {
		c.implicitReset()
		return results, err
	}
	c.phase = Ready
	return results, nil
}

// implicitReset best-effort aborts a half-open transaction after a failed
// MAIL, a RCPT phase that ended with no accepted recipients, or a failed
// DATA, so the connection can be reused for another transaction. Failures
// here are ignored, except that a session already marked unusable by an
// i/o-level failure is left Closed rather than merely InvalidState.
func (c *Client) implicitReset() {
	if c.botched {
		c.phase = Closed
		return
	}
	if _, err := c.command("rset", "RSET"); err != nil {
		if c.botched {
			c.phase = Closed
		}
		return
	}
	c.phase = Ready
}

func (c *Client) mailRcptSequential(mailLine string, recipients []string) (results []RecipientResult, dataAllowed bool, rerr error) {
	rep, err := c.command("mailfrom", mailLine)
	if err != nil {
		return nil, false, err
	}
	if err := c.expectCode(rep, smtp.C250Completed); err != nil {
		return nil, false, err
	}

	results = make([]RecipientResult, len(recipients))
	nok := 0
	for i, rcpt := range recipients {
		rep, err := c.command("rcptto", fmt.Sprintf("RCPT TO:<%s>", rcpt))
		if err != nil {
			return results, false, err
		}
		res := RecipientResult{Recipient: rcpt, Reply: rep}
		if rep.Success() {
			nok++
		} else {
			res.Err = Error{Command: "rcptto", Reply: rep, Err: ErrStatus}
		}
		results[i] = res
	}
	if nok == 0 {
		return results, false, nil
	}

	rep, err = c.command("data", "DATA")
	if err != nil {
		return results, false, err
	}
	if err := c.expectCode(rep, smtp.C354Continue); err != nil {
		return results, false, err
	}
	return results, true, nil
}

// mailRcptPipelined writes MAIL FROM and every RCPT TO without waiting for
// intermediate replies (since the server advertised PIPELINING), reads the
// replies back in the same order, then sends DATA if a recipient was accepted.
func (c *Client) mailRcptPipelined(mailLine string, recipients []string) (results []RecipientResult, dataAllowed bool, rerr error) {
	var b bytes.Buffer
	b.WriteString(mailLine)
	b.WriteString("\r\n")
	for _, rcpt := range recipients {
		fmt.Fprintf(&b, "RCPT TO:<%s>\r\n", rcpt)
	}

	c.cmd = "mailfrom"
	c.cmdStart = time.Now()
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return nil, false, c.botch(err)
	}
	if _, err := c.w.Write(b.Bytes()); err != nil {
		return nil, false, c.botch(fmt.Errorf("%w: %s", ErrIO, err))
	}
	if err := c.w.Flush(); err != nil {
		return nil, false, c.botch(fmt.Errorf("%w: %s", ErrIO, err))
	}

	mfrep, mferr := c.read()
	if mferr != nil {
		return nil, false, mferr
	}
	if mfrep.Code != smtp.C250Completed {
		return nil, false, c.errorf(mfrep, ErrStatus)
	}

	results = make([]RecipientResult, len(recipients))
	nok := 0
	for i, rcpt := range recipients {
		c.cmd = "rcptto"
		rep, err := c.read()
		if err != nil {
			return results, false, err
		}
		res := RecipientResult{Recipient: rcpt, Reply: rep}
		if rep.Success() {
			nok++
		} else {
			res.Err = Error{Command: "rcptto", Reply: rep, Err: ErrStatus}
		}
		results[i] = res
	}

	if nok == 0 {
		return results, false, nil
	}
	datarep, dataerr := c.command("data", "DATA")
	if dataerr != nil {
		return results, false, dataerr
	}
	if datarep.Code != smtp.C354Continue {
		return results, false, c.errorf(datarep, ErrStatus)
	}
	return results, true, nil
}

// sendData writes msg's bytes through the transparency filter and reads the
// final response to the completed DATA command.
func (c *Client) sendData(msg Message) error {
	body, err := msg.Data()
	if err != nil {
		return fmt.Errorf("reading message data: %w", err)
	}
	restore := c.trace(mlog.LevelTracedata)
	tw := smtp.NewTransparencyWriter(c.w)
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		restore()
		return c.botch(err)
	}
	_, err = io.Copy(tw, body)
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = c.w.Flush()
	}
	restore()
	if err != nil {
		return c.botch(fmt.Errorf("%w: writing message data: %s", ErrIO, err))
	}
	c.cmd = "data"
	rep, err := c.read()
	if err != nil {
		return err
	}
	return c.expectCode(rep, smtp.C250Completed)
}

// Reset sends RSET, aborting any in-progress mail transaction. Deliver and
// DeliverMultiple call this automatically when needed.
func (c *Client) Reset() error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	rep, err := c.command("rset", "RSET")
	if err != nil {
		return err
	}
	if err := c.expectCode(rep, smtp.C250Completed); err != nil {
		return err
	}
	if c.hadCreds {
		c.phase = Authenticated
	} else {
		c.phase = Ready
	}
	return nil
}

// Close sends QUIT on a best-effort basis and closes the underlying
// connection. Failures writing or reading the QUIT exchange are not
// reported; the connection is closed regardless.
func (c *Client) Close() error {
	if c.origConn == nil {
		return ErrClosed
	}
	if !c.botched {
		c.cmd = "quit"
		if err := c.writeline("QUIT"); err == nil {
			c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			smtp.ReadReply(c.r)
		}
	}
	err := c.origConn.Close()
	if c.conn != nil && c.conn != c.origConn {
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	c.phase = Closed
	return err
}

// Conn returns the underlying connection, clearing any i/o deadlines, and
// relinquishes it to the caller: no further Client methods may be called
// afterwards.
func (c *Client) Conn() (net.Conn, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing deadlines: %w", err)
	}
	conn := c.conn
	c.conn = nil
	c.origConn = nil
	return conn, nil
}
