package smtpcli

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/brandon/mailengine/pkg/types"
)

// writeMessage streams the MIME form of a message to w. Attachment readers
// are consumed exactly once; nothing is buffered whole.
func writeMessage(w io.Writer, acc types.Account, msg *types.OutboundMessage) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: acc.Name, Address: acc.Address}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	// Bcc recipients only appear in the envelope, never in the headers.
	h.Set("Message-Id", generateMessageID(acc.Address))

	switch msg.Priority {
	case types.PriorityHigh:
		h.Set("X-Priority", "1")
		h.Set("Importance", "high")
	case types.PriorityLow:
		h.Set("X-Priority", "5")
		h.Set("Importance", "low")
	}
	if msg.RequestReceipt {
		h.Set("Disposition-Notification-To", acc.Address)
	}
	for key, value := range msg.Headers {
		h.Set(key, value)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return &types.ConnectionError{Op: "write message", Err: err}
	}

	if msg.TextBody != "" || msg.HTMLBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return &types.ConnectionError{Op: "write message", Err: err}
		}
		if msg.TextBody != "" {
			if err := writeInlinePart(iw, "text/plain", msg.TextBody); err != nil {
				return err
			}
		}
		if msg.HTMLBody != "" {
			if err := writeInlinePart(iw, "text/html", msg.HTMLBody); err != nil {
				return err
			}
		}
		if err := iw.Close(); err != nil {
			return &types.ConnectionError{Op: "write message", Err: err}
		}
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return &types.ConnectionError{Op: "write message", Err: err}
	}
	return nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(th)
	if err != nil {
		return &types.ConnectionError{Op: "write message", Err: err}
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close() //nolint:errcheck
		return &types.ConnectionError{Op: "write message", Err: err}
	}
	return pw.Close()
}

func writeAttachment(mw *mail.Writer, att types.Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(att.Filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ah mail.AttachmentHeader
	ah.SetFilename(att.Filename)
	ah.SetContentType(contentType, nil)
	ah.Set("Content-Transfer-Encoding", "base64")

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return &types.ConnectionError{Op: "write message", Err: err}
	}
	if _, err := io.Copy(aw, att.Content); err != nil {
		aw.Close() //nolint:errcheck
		return &types.ConnectionError{Op: "write message", Err: err}
	}
	return aw.Close()
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func generateMessageID(from string) string {
	host := "localhost"
	if idx := strings.LastIndex(from, "@"); idx >= 0 && idx < len(from)-1 {
		host = from[idx+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}
