package imapcli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/mailengine/pkg/types"
)

// parseHeader converts a header-level fetch result. A message missing its
// envelope or uid is malformed and reported as a problem instead of a record.
func (c *Client) parseHeader(msg *imap.Message) (*types.Message, *FetchProblem) {
	if msg.Uid == 0 {
		return nil, &FetchProblem{Reason: "server returned message without uid"}
	}
	if msg.Envelope == nil {
		return nil, &FetchProblem{UID: msg.Uid, Reason: "missing envelope"}
	}

	out := &types.Message{
		AccountID:      c.account.ID,
		FolderPath:     c.selected,
		UID:            msg.Uid,
		Envelope:       convertEnvelope(msg.Envelope),
		Flags:          convertFlags(msg.Flags),
		Size:           msg.Size,
		HasAttachments: hasAttachments(msg.BodyStructure),
	}
	return out, nil
}

// parseFull converts a body fetch result, decoding the MIME tree.
func (c *Client) parseFull(msg *imap.Message, section *imap.BodySectionName) (*types.Message, error) {
	if msg.Envelope == nil {
		return nil, &types.ProtocolError{Op: "fetch body", Err: fmt.Errorf("uid %d missing envelope", msg.Uid)}
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, &types.ProtocolError{Op: "fetch body", Err: fmt.Errorf("uid %d missing body section", msg.Uid)}
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &types.ConnectionError{Op: "fetch body", Err: err}
	}

	out := &types.Message{
		AccountID:   c.account.ID,
		FolderPath:  c.selected,
		UID:         msg.Uid,
		Envelope:    convertEnvelope(msg.Envelope),
		Flags:       convertFlags(msg.Flags),
		Size:        msg.Size,
		Raw:         raw,
		BodyFetched: true,
	}

	env, err := enmime.ReadEnvelope(strings.NewReader(string(raw)))
	if err != nil {
		// Keep the raw bytes even when MIME decoding fails; the caller
		// can still cache and display them.
		c.logger.WithField("uid", msg.Uid).WithError(err).Warn("Failed to parse message body")
		return out, nil
	}

	out.BodyText = env.Text
	out.BodyHTML = env.HTML
	out.HasAttachments = len(env.Attachments) > 0
	return out, nil
}

func convertEnvelope(env *imap.Envelope) types.Envelope {
	out := types.Envelope{
		MessageID: env.MessageId,
		Subject:   env.Subject,
		Date:      env.Date,
	}
	if out.Date.IsZero() {
		out.Date = time.Now()
	}
	if len(env.From) > 0 {
		out.FromName = env.From[0].PersonalName
		out.FromAddr = env.From[0].Address()
	}
	out.To = convertAddresses(env.To)
	out.Cc = convertAddresses(env.Cc)
	return out
}

func convertAddresses(addrs []*imap.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address())
	}
	return out
}

func convertFlags(flags []string) []types.Flag {
	out := make([]types.Flag, 0, len(flags))
	for _, f := range flags {
		if f == imap.RecentFlag {
			continue
		}
		out = append(out, types.Flag(f))
	}
	return out
}

// hasAttachments walks the body structure looking for a part delivered as
// an attachment. Inline images and alternative text parts do not count.
func hasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}
