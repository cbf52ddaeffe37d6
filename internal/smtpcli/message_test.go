package smtpcli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailengine/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestWriteMessageHeaders(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, testAccount(), &types.OutboundMessage{
		To:             []string{"to@example.com"},
		Cc:             []string{"cc@example.com"},
		Bcc:            []string{"hidden@example.com"},
		Subject:        "greetings",
		TextBody:       "hello body",
		Priority:       types.PriorityHigh,
		RequestReceipt: true,
		Headers:        map[string]string{"X-Custom": "yes"},
	})
	require.NoError(t, err)

	wire := buf.String()
	assert.Contains(t, wire, "Subject: greetings")
	assert.Contains(t, wire, "Test Sender")
	assert.Contains(t, wire, "<sender@example.com>")
	assert.Contains(t, wire, "To: <to@example.com>")
	assert.Contains(t, wire, "Cc: <cc@example.com>")
	assert.NotContains(t, wire, "hidden@example.com")
	assert.Contains(t, wire, "X-Priority: 1")
	assert.Contains(t, wire, "Importance: high")
	assert.Contains(t, wire, "Disposition-Notification-To: sender@example.com")
	assert.Contains(t, wire, "X-Custom: yes")
	assert.Contains(t, wire, "Message-Id: <")
	assert.Contains(t, wire, "hello body")
}

func TestWriteMessageAlternativeParts(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, testAccount(), &types.OutboundMessage{
		To:       []string{"to@example.com"},
		Subject:  "both bodies",
		TextBody: "plain version",
		HTMLBody: "<p>rich version</p>",
	})
	require.NoError(t, err)

	wire := buf.String()
	assert.Contains(t, wire, "text/plain")
	assert.Contains(t, wire, "text/html")
	assert.Contains(t, wire, "plain version")
	assert.Contains(t, wire, "rich version")
	// Plain text must come first so simple readers pick it up.
	assert.Less(t, strings.Index(wire, "plain version"), strings.Index(wire, "rich version"))
}

func TestWriteMessageAttachment(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, testAccount(), &types.OutboundMessage{
		To:       []string{"to@example.com"},
		Subject:  "with attachment",
		TextBody: "see attached",
		Attachments: []types.Attachment{{
			Filename: "notes.txt",
			Content:  strings.NewReader("hello attachment"),
		}},
	})
	require.NoError(t, err)

	wire := buf.String()
	assert.Contains(t, wire, "notes.txt")
	assert.Contains(t, wire, "base64")
	// "hello attachment" in base64.
	assert.Contains(t, wire, "aGVsbG8gYXR0YWNobWVudA==")
	// Content type inferred from the extension.
	assert.Contains(t, wire, "text/plain")
}

func TestWriteMessageLowPriority(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, testAccount(), &types.OutboundMessage{
		To:       []string{"to@example.com"},
		TextBody: "unhurried",
		Priority: types.PriorityLow,
	})
	require.NoError(t, err)

	wire := buf.String()
	assert.Contains(t, wire, "X-Priority: 5")
	assert.Contains(t, wire, "Importance: low")
}

func TestWriteMessageNormalPriorityOmitsHeaders(t *testing.T) {
	var buf bytes.Buffer
	err := writeMessage(&buf, testAccount(), &types.OutboundMessage{
		To:       []string{"to@example.com"},
		TextBody: "ordinary",
	})
	require.NoError(t, err)

	wire := buf.String()
	assert.NotContains(t, wire, "X-Priority")
	assert.NotContains(t, wire, "Importance")
}
