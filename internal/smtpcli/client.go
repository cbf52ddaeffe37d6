package smtpcli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/internal/creds"
	"github.com/brandon/mailengine/pkg/types"
)

// Conn is the subset of net/smtp's client used for one delivery.
type Conn interface {
	Hello(localName string) error
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Dialer opens a transport to the account's SMTP endpoint. For implicit
// TLS the returned connection is already encrypted; for STARTTLS the
// upgrade happens during the send.
type Dialer func(acc types.Account, timeout time.Duration) (Conn, error)

// Options configure a Client.
type Options struct {
	ConnectTimeout time.Duration
	Dialer         Dialer
}

// Client sends outbound mail for one account. Every send opens a fresh
// connection and closes it afterwards; nothing outlives the call.
type Client struct {
	account types.Account
	creds   creds.Provider
	opts    Options
	logger  *logrus.Logger
}

// NewClient creates a client; no connection is opened until Send.
func NewClient(acc types.Account, provider creds.Provider, opts Options, logger *logrus.Logger) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = dial
	}
	return &Client{account: acc, creds: provider, opts: opts, logger: logger}
}

func dial(acc types.Account, timeout time.Duration) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", acc.SMTPHost, acc.SMTPPort)

	if acc.SMTPSecurity == types.SecurityTLS {
		tlsConn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr,
			&tls.Config{ServerName: acc.SMTPHost, MinVersion: tls.VersionTLS12})
		if err != nil {
			if _, ok := err.(net.Error); ok {
				return nil, &types.ConnectionError{Op: "connect", Err: err}
			}
			return nil, &types.SecurityError{Op: "tls handshake", Err: err}
		}
		c, err := smtp.NewClient(tlsConn, acc.SMTPHost)
		if err != nil {
			tlsConn.Close()
			return nil, &types.ConnectionError{Op: "greeting", Err: err}
		}
		return c, nil
	}

	tcp, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &types.ConnectionError{Op: "connect", Err: err}
	}
	c, err := smtp.NewClient(tcp, acc.SMTPHost)
	if err != nil {
		tcp.Close()
		return nil, &types.ConnectionError{Op: "greeting", Err: err}
	}
	return c, nil
}

// Send delivers one message. Validation happens before any network
// activity. When some recipients are rejected the message is still sent to
// the accepted ones and the result is a PartialSendError naming each
// rejected recipient. If tee is non-nil the exact wire bytes are also
// written to it, so the caller can keep a Sent copy without the
// attachment readers being consumed twice.
func (c *Client) Send(ctx context.Context, msg *types.OutboundMessage, tee io.Writer) error {
	if err := validate(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &types.ConnectionError{Op: "send", Err: err}
	}

	secret, err := c.creds.GetSecret(c.account.ID, creds.PurposeSMTP)
	if err != nil {
		return &types.AuthError{AccountID: c.account.ID, Err: err}
	}

	sc, err := c.opts.Dialer(c.account, c.opts.ConnectTimeout)
	if err != nil {
		return err
	}
	defer sc.Close() //nolint:errcheck

	if err := sc.Hello("localhost"); err != nil {
		return &types.ProtocolError{Op: "helo", Err: err}
	}
	if c.account.SMTPSecurity == types.SecuritySTARTTLS {
		cfg := &tls.Config{ServerName: c.account.SMTPHost, MinVersion: tls.VersionTLS12}
		if err := sc.StartTLS(cfg); err != nil {
			return &types.SecurityError{Op: "starttls", Err: err}
		}
	}

	auth := smtp.PlainAuth("", c.account.Username, string(secret), c.account.SMTPHost)
	if err := sc.Auth(auth); err != nil {
		return &types.AuthError{AccountID: c.account.ID, Err: err}
	}

	if err := sc.Mail(c.account.Address); err != nil {
		return &types.ProtocolError{Op: "mail from", Err: err}
	}

	var accepted []string
	failed := make(map[string]string)
	for _, rcpt := range msg.Recipients() {
		if err := sc.Rcpt(rcpt); err != nil {
			failed[rcpt] = err.Error()
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return &types.PartialSendError{Failed: failed}
	}

	wc, err := sc.Data()
	if err != nil {
		return &types.ProtocolError{Op: "data", Err: err}
	}

	w := io.Writer(wc)
	if tee != nil {
		w = io.MultiWriter(wc, tee)
	}
	if err := writeMessage(w, c.account, msg); err != nil {
		wc.Close() //nolint:errcheck
		return err
	}
	if err := wc.Close(); err != nil {
		return &types.ProtocolError{Op: "data", Err: err}
	}
	if err := sc.Quit(); err != nil {
		c.logger.WithField("account", c.account.ID).WithError(err).Debug("SMTP quit failed after delivery")
	}

	c.logger.WithFields(logrus.Fields{
		"account":    c.account.ID,
		"recipients": len(accepted),
	}).Info("Message sent")

	if len(failed) > 0 {
		return &types.PartialSendError{Accepted: accepted, Failed: failed}
	}
	return nil
}

// validate rejects a malformed message before any connection is opened.
func validate(msg *types.OutboundMessage) error {
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return &types.ValidationError{Reason: "message has no recipients"}
	}
	if msg.Subject == "" {
		return &types.ValidationError{Reason: "message has no subject"}
	}
	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return &types.ValidationError{Reason: fmt.Sprintf("invalid recipient %q: %v", rcpt, err)}
		}
	}
	if msg.TextBody == "" && msg.HTMLBody == "" && len(msg.Attachments) == 0 {
		return &types.ValidationError{Reason: "message has no body and no attachments"}
	}
	for _, att := range msg.Attachments {
		if att.Filename == "" {
			return &types.ValidationError{Reason: "attachment without filename"}
		}
		if att.Content == nil {
			return &types.ValidationError{Reason: fmt.Sprintf("attachment %q has no content", att.Filename)}
		}
	}
	return nil
}
