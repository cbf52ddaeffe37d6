package imapcli

import (
	"net/textproto"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailengine/pkg/types"
)

// buildCriteria translates a search into IMAP SEARCH keys. All set fields
// are ANDed, matching the cached search semantics.
func buildCriteria(c types.Criteria) *imap.SearchCriteria {
	out := &imap.SearchCriteria{}

	if c.Text != "" {
		switch c.Scope {
		case types.ScopeSubject:
			out.Header = header("Subject", c.Text)
		case types.ScopeFrom:
			out.Header = header("From", c.Text)
		case types.ScopeBody:
			out.Body = append(out.Body, c.Text)
		case types.ScopeRecipients:
			// Recipients span two headers, expressed as OR (To, Cc).
			to := &imap.SearchCriteria{Header: header("To", c.Text)}
			cc := &imap.SearchCriteria{Header: header("Cc", c.Text)}
			out.Or = append(out.Or, [2]*imap.SearchCriteria{to, cc})
		}
	}

	if !c.Since.IsZero() {
		out.Since = c.Since
	}
	if !c.Before.IsZero() {
		out.Before = c.Before
	}

	for _, f := range c.WithFlags {
		out.WithFlags = append(out.WithFlags, string(f))
	}
	for _, f := range c.WithoutFlags {
		out.WithoutFlags = append(out.WithoutFlags, string(f))
	}

	// IMAP has no attachment key; matching the multipart content type is
	// the usual approximation. Cached search uses the exact flag instead.
	if c.HasAttachment {
		if out.Header == nil {
			out.Header = make(textproto.MIMEHeader)
		}
		out.Header.Add("Content-Type", "multipart/mixed")
	}

	return out
}

func header(key, value string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Add(key, value)
	return h
}
