package smtpcli

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailengine/internal/creds"
	"github.com/brandon/mailengine/pkg/types"
)

type fakeConn struct {
	rejects  map[string]bool
	authErr  error
	startErr error

	helloed    bool
	startedTLS bool
	authed     bool
	from       string
	rcpts      []string
	dataCalled bool
	data       bytes.Buffer
	quit       bool
	closed     bool
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (f *fakeConn) Hello(string) error { f.helloed = true; return nil }
func (f *fakeConn) StartTLS(*tls.Config) error {
	f.startedTLS = true
	return f.startErr
}
func (f *fakeConn) Auth(smtp.Auth) error {
	f.authed = true
	return f.authErr
}
func (f *fakeConn) Mail(from string) error { f.from = from; return nil }
func (f *fakeConn) Rcpt(to string) error {
	if f.rejects[to] {
		return errors.New("550 5.1.1 user unknown")
	}
	f.rcpts = append(f.rcpts, to)
	return nil
}
func (f *fakeConn) Data() (io.WriteCloser, error) {
	f.dataCalled = true
	return nopCloser{&f.data}, nil
}
func (f *fakeConn) Quit() error  { f.quit = true; return nil }
func (f *fakeConn) Close() error { f.closed = true; return nil }

func testAccount() types.Account {
	return types.Account{
		ID:           "acc1",
		Name:         "Test Sender",
		Address:      "sender@example.com",
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPSecurity: types.SecuritySTARTTLS,
		Username:     "sender@example.com",
	}
}

func newTestClient(t *testing.T, acc types.Account, conn *fakeConn, dialed *bool) *Client {
	t.Helper()
	logger := testLogger()
	return NewClient(acc, creds.Static{"acc1": []byte("secret")}, Options{
		Dialer: func(types.Account, time.Duration) (Conn, error) {
			if dialed != nil {
				*dialed = true
			}
			return conn, nil
		},
	}, logger)
}

func TestSendValidatesBeforeDialing(t *testing.T) {
	tests := []struct {
		name string
		msg  types.OutboundMessage
	}{
		{"no recipients", types.OutboundMessage{Subject: "s", TextBody: "hi"}},
		{"invalid address", types.OutboundMessage{To: []string{"not an address"}, Subject: "s", TextBody: "hi"}},
		{"no subject", types.OutboundMessage{To: []string{"ok@example.com"}, TextBody: "hi"}},
		{"empty message", types.OutboundMessage{To: []string{"ok@example.com"}, Subject: "s"}},
		{"attachment without filename", types.OutboundMessage{
			To: []string{"ok@example.com"}, Subject: "s", TextBody: "hi",
			Attachments: []types.Attachment{{Content: bytes.NewReader(nil)}},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var dialed bool
			client := newTestClient(t, testAccount(), &fakeConn{}, &dialed)

			err := client.Send(context.Background(), &tc.msg, nil)
			var valErr *types.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.False(t, dialed, "validation failures must not open a connection")
		})
	}
}

func TestSendDeliversAndUpgradesTransport(t *testing.T) {
	conn := &fakeConn{}
	client := newTestClient(t, testAccount(), conn, nil)

	var tee bytes.Buffer
	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"one@example.com"},
		Cc:       []string{"two@example.com"},
		Bcc:      []string{"three@example.com"},
		Subject:  "hello",
		TextBody: "hello body",
	}, &tee)
	require.NoError(t, err)

	assert.True(t, conn.helloed)
	assert.True(t, conn.startedTLS, "starttls account must upgrade before auth")
	assert.True(t, conn.authed)
	assert.Equal(t, "sender@example.com", conn.from)
	assert.Equal(t, []string{"one@example.com", "two@example.com", "three@example.com"}, conn.rcpts)
	assert.True(t, conn.quit)

	wire := conn.data.String()
	assert.Contains(t, wire, "Subject: hello")
	assert.Contains(t, wire, "hello body")
	assert.NotContains(t, wire, "three@example.com", "bcc must stay out of the headers")
	assert.Equal(t, wire, tee.String(), "tee must see the exact wire bytes")
}

func TestSendPartialRecipientFailure(t *testing.T) {
	conn := &fakeConn{rejects: map[string]bool{"gone@example.com": true}}
	client := newTestClient(t, testAccount(), conn, nil)

	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"here@example.com", "gone@example.com"},
		Subject:  "partially delivered",
		TextBody: "body",
	}, nil)

	var partial *types.PartialSendError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"here@example.com"}, partial.Accepted)
	assert.Contains(t, partial.Failed, "gone@example.com")
	assert.Contains(t, err.Error(), "gone@example.com")
	assert.True(t, conn.dataCalled, "accepted recipients still get the message")
}

func TestSendAllRecipientsRejected(t *testing.T) {
	conn := &fakeConn{rejects: map[string]bool{"gone@example.com": true}}
	client := newTestClient(t, testAccount(), conn, nil)

	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"gone@example.com"},
		Subject:  "s",
		TextBody: "body",
	}, nil)

	var partial *types.PartialSendError
	require.ErrorAs(t, err, &partial)
	assert.Empty(t, partial.Accepted)
	assert.False(t, conn.dataCalled, "no point transmitting a body nobody will get")
}

func TestSendAuthFailure(t *testing.T) {
	conn := &fakeConn{authErr: errors.New("535 authentication failed")}
	client := newTestClient(t, testAccount(), conn, nil)

	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"ok@example.com"},
		Subject:  "s",
		TextBody: "body",
	}, nil)

	var authErr *types.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "acc1", authErr.AccountID)
	assert.False(t, conn.dataCalled)
}

func TestSendStartTLSFailure(t *testing.T) {
	conn := &fakeConn{startErr: errors.New("tls not available")}
	client := newTestClient(t, testAccount(), conn, nil)

	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"ok@example.com"},
		Subject:  "s",
		TextBody: "body",
	}, nil)

	var secErr *types.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.False(t, conn.authed, "credentials must never travel before the upgrade")
}

func TestSendSkipsStartTLSOnImplicitTLS(t *testing.T) {
	acc := testAccount()
	acc.SMTPSecurity = types.SecurityTLS
	conn := &fakeConn{}
	client := newTestClient(t, acc, conn, nil)

	err := client.Send(context.Background(), &types.OutboundMessage{
		To:       []string{"ok@example.com"},
		Subject:  "s",
		TextBody: "body",
	}, nil)
	require.NoError(t, err)
	assert.False(t, conn.startedTLS)
}
