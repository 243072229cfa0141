// Command smtpsend reads a fully-formed RFC 5322 message from stdin and
// submits it to a configured mail submission agent, optionally DKIM-signing
// it first. It is meant as a thin wrapper for scripts and cron jobs, not as
// a mail transfer agent: queueing, retries and bounce handling are the
// caller's problem.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/sendkit/smtpsubmit/dkim"
	"github.com/sendkit/smtpsubmit/dns"
	"github.com/sendkit/smtpsubmit/mlog"
	"github.com/sendkit/smtpsubmit/sasl"
	"github.com/sendkit/smtpsubmit/smtp"
	"github.com/sendkit/smtpsubmit/smtpclient"
)

var conf struct {
	LocalHostname     string `sconf-doc:"Hostname announced in EHLO/HELO."`
	Host              string `sconf-doc:"Host to dial for submission, e.g. mail.example.com."`
	Port              int    `sconf-doc:"Port to dial, e.g. 465 for implicit TLS or 587 for STARTTLS."`
	ImplicitTLS       bool   `sconf-doc:"Connect with TLS immediately, for port 465."`
	AllowInvalidCerts bool   `sconf:"optional" sconf-doc:"Skip certificate verification. For testing only."`
	Username          string `sconf:"optional" sconf-doc:"Username for SMTP authentication. Leave both Username and Password empty to skip authentication."`
	Password          string `sconf:"optional" sconf-doc:"Password for SMTP authentication."`
	From              string `sconf-doc:"Address for MAIL FROM. The message is sent as read; no From header is added to it."`

	DKIMDomain   string `sconf:"optional" sconf-doc:"Signing domain, e.g. example.com. Leave empty to skip DKIM signing."`
	DKIMSelector string `sconf:"optional" sconf-doc:"DKIM selector, e.g. jan2025."`
	DKIMKeyFile  string `sconf:"optional" sconf-doc:"PEM file holding an Ed25519 private key (PKCS8), used for DKIM signing."`
}

func main() {
	log.SetFlags(0)

	var configPath string
	var describe bool
	var recipient string
	flag.StringVar(&configPath, "conf", "/etc/smtpsend.conf", "configuration file")
	flag.BoolVar(&describe, "describe-config", false, "print an annotated example configuration and exit")
	flag.StringVar(&recipient, "to", "", "envelope recipient address")
	flag.Parse()

	if describe {
		if err := sconf.Describe(os.Stdout, conf); err != nil {
			log.Fatalf("describing config: %v", err)
		}
		return
	}
	if recipient == "" {
		log.Fatalf("-to is required")
	}
	if _, err := smtp.ParseAddress(recipient); err != nil {
		log.Fatalf("parsing recipient: %v", err)
	}

	if err := sconf.ParseFile(configPath, &conf); err != nil {
		log.Fatalf("parsing config: %v", err)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("reading message from stdin: %v", err)
	}
	data = []byte(strings.ReplaceAll(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n", "\r\n"))

	localHostname, err := dns.ParseDomain(conf.LocalHostname)
	if err != nil {
		log.Fatalf("parsing local hostname: %v", err)
	}
	remoteHost, err := dns.ParseDomain(conf.Host)
	if err != nil {
		log.Fatalf("parsing host: %v", err)
	}

	var creds *sasl.Credentials
	if conf.Username != "" || conf.Password != "" {
		c := sasl.Credentials{Kind: sasl.KindPlain, Username: conf.Username, Password: conf.Password}
		creds = &c
	}

	msg := staticMessage{from: conf.From, to: recipient, data: data}
	var sendMsg smtpclient.Message = msg

	if conf.DKIMDomain != "" {
		sel, fromAddr, err := loadSelector(conf.DKIMSelector, conf.DKIMKeyFile)
		if err != nil {
			log.Fatalf("loading dkim key: %v", err)
		}
		domain, err := dns.ParseDomain(conf.DKIMDomain)
		if err != nil {
			log.Fatalf("parsing dkim domain: %v", err)
		}
		sendMsg = smtpclient.SignMessage(msg, smtp.Localpart(fromAddr), domain, sel, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	b := smtpclient.Builder{
		Host:              remoteHost,
		Port:              conf.Port,
		ImplicitTLS:       conf.ImplicitTLS,
		LocalHost:         localHostname,
		Credentials:       creds,
		Timeout:           30 * time.Second,
		AllowInvalidCerts: conf.AllowInvalidCerts,
		Log:               mlog.New("smtpsend"),
	}
	client, err := b.Connect(ctx)
	if err != nil {
		log.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	if err := client.Deliver(ctx, conf.From, recipient, sendMsg, false, false, false); err != nil {
		log.Fatalf("submitting message: %v", err)
	}
}

// staticMessage adapts an already-rendered message buffer to the
// smtpclient.Message interface.
type staticMessage struct {
	from, to string
	data     []byte
}

func (m staticMessage) From() string         { return m.from }
func (m staticMessage) Recipients() []string { return []string{m.to} }
func (m staticMessage) Data() (io.Reader, error) {
	return strings.NewReader(string(m.data)), nil
}
func (m staticMessage) Size() int64 { return int64(len(m.data)) }

// loadSelector reads an Ed25519 private key from a PKCS8 PEM file and
// returns it as a selector, together with the localpart of the configured
// From address, which is combined with the signing domain for the DKIM "i="
// tag.
func loadSelector(selector, keyFile string) (dkim.Selector, string, error) {
	buf, err := os.ReadFile(keyFile)
	if err != nil {
		return dkim.Selector{}, "", fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return dkim.Selector{}, "", fmt.Errorf("no PEM block found in %s", keyFile)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return dkim.Selector{}, "", fmt.Errorf("parsing pkcs8 key: %w", err)
	}
	signer, ok := key.(ed25519.PrivateKey)
	if !ok {
		return dkim.Selector{}, "", fmt.Errorf("key in %s is not ed25519", keyFile)
	}
	sel, err := dns.ParseDomain(selector)
	if err != nil {
		return dkim.Selector{}, "", fmt.Errorf("parsing selector: %w", err)
	}
	from, err := smtp.ParseAddress(conf.From)
	if err != nil {
		return dkim.Selector{}, "", fmt.Errorf("parsing from address: %w", err)
	}
	return dkim.Selector{
		Name:    sel,
		Key:     signer,
		Hash:    "sha256",
		Headers: []string{"From", "To", "Subject", "Date", "Message-Id"},
	}, string(from.Localpart), nil
}
