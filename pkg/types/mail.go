package types

import (
	"io"
	"time"
)

// SecurityMode selects the transport security used when connecting to a
// mail server.
type SecurityMode string

const (
	SecurityTLS      SecurityMode = "tls"
	SecuritySTARTTLS SecurityMode = "starttls"
	SecurityPlain    SecurityMode = "plain"
)

// Account is the immutable identity of a configured mail account. Secrets
// are never part of it; they are resolved through a credential provider.
type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`

	IMAPHost     string       `json:"imap_host"`
	IMAPPort     int          `json:"imap_port"`
	IMAPSecurity SecurityMode `json:"imap_security"`

	SMTPHost     string       `json:"smtp_host"`
	SMTPPort     int          `json:"smtp_port"`
	SMTPSecurity SecurityMode `json:"smtp_security"`

	Username string `json:"username"`
}

// Folder is one mailbox in an account's hierarchy.
type Folder struct {
	AccountID    string     `json:"account_id"`
	Path         string     `json:"path"`
	Name         string     `json:"name"`
	Delimiter    string     `json:"delimiter"`
	MessageCount uint32     `json:"message_count"`
	UnreadCount  uint32     `json:"unread_count"`
	UIDValidity  uint32     `json:"uid_validity"`
	LastSynced   *time.Time `json:"last_synced,omitempty"`
}

// Flag is a standard IMAP message flag.
type Flag string

const (
	FlagSeen     Flag = "\\Seen"
	FlagFlagged  Flag = "\\Flagged"
	FlagDeleted  Flag = "\\Deleted"
	FlagAnswered Flag = "\\Answered"
	FlagDraft    Flag = "\\Draft"
)

// FlagMode selects how SetFlags applies a flag set.
type FlagMode int

const (
	FlagsAdd FlagMode = iota
	FlagsRemove
	FlagsReplace
)

// Envelope carries the header fields shown in message lists.
type Envelope struct {
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject"`
	FromName  string    `json:"from_name"`
	FromAddr  string    `json:"from_addr"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc"`
	Date      time.Time `json:"date"`
}

// Message is one cached mail message. A UID is only meaningful together
// with its folder's UIDValidity; a validity change invalidates all of them.
// BodyFetched distinguishes header-only records from fully fetched ones.
type Message struct {
	AccountID  string `json:"account_id"`
	FolderPath string `json:"folder_path"`
	UID        uint32 `json:"uid"`

	Envelope Envelope `json:"envelope"`
	Flags    []Flag   `json:"flags"`
	Size     uint32   `json:"size"`

	HasAttachments bool   `json:"has_attachments"`
	BodyFetched    bool   `json:"body_fetched"`
	BodyText       string `json:"body_text,omitempty"`
	BodyHTML       string `json:"body_html,omitempty"`
	Raw            []byte `json:"-"`

	CachedAt time.Time `json:"cached_at"`
}

// Seen reports whether the message carries the \Seen flag.
func (m *Message) Seen() bool {
	for _, f := range m.Flags {
		if f == FlagSeen {
			return true
		}
	}
	return false
}

// Priority of an outbound message, mapped to X-Priority on the wire.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Attachment is one outbound attachment. Content is consumed exactly once
// while the message is written to the server, so large files are never
// buffered in full.
type Attachment struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// OutboundMessage is a transient value handed to the SMTP client. It is
// consumed by a single send and not persisted.
type OutboundMessage struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	TextBody string
	HTMLBody string

	Attachments    []Attachment
	Priority       Priority
	Headers        map[string]string
	RequestReceipt bool
}

// Recipients returns all envelope recipients (To, Cc, Bcc).
func (m *OutboundMessage) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// TextScope selects which part of a message a text search applies to.
type TextScope int

const (
	ScopeSubject TextScope = iota
	ScopeFrom
	ScopeBody
	ScopeRecipients
)

// Criteria describes a message search. All set fields are combined with
// logical AND.
type Criteria struct {
	Text  string
	Scope TextScope

	Since  time.Time
	Before time.Time

	WithFlags    []Flag
	WithoutFlags []Flag

	HasAttachment bool
}

// ConnState tracks the liveness of one protocol connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateSelected
	StateIdling
	// StateDisabled marks an account whose worker gave up after a
	// non-retryable failure (bad credentials) and needs attention.
	StateDisabled
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateIdling:
		return "idling"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
