package imapcli

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/internal/creds"
	"github.com/brandon/mailengine/pkg/types"
)

// Conn is the subset of the go-imap client the protocol client needs.
// Narrowing it keeps the sync logic testable without a live server.
type Conn interface {
	Login(username, password string) error
	Logout() error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Status(name string, items []imap.StatusItem) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	Expunge(ch chan uint32) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
	Idle(stop <-chan struct{}, opts *client.IdleOptions) error
	SetUpdates(ch chan<- client.Update)
	SetTimeout(d time.Duration)
}

// liveConn adapts *client.Client to Conn; Updates and Timeout are struct
// fields on the upstream client.
type liveConn struct {
	*client.Client
}

func (c liveConn) SetUpdates(ch chan<- client.Update) { c.Client.Updates = ch }
func (c liveConn) SetTimeout(d time.Duration)         { c.Client.Timeout = d }

// Dialer opens a transport to the account's IMAP endpoint.
type Dialer func(acc types.Account, timeout time.Duration) (Conn, error)

// Options configure a Client.
type Options struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	IdleLogoutTimeout time.Duration
	Dialer            Dialer
}

// Client owns one connection to one account's IMAP server and walks it
// through the session states. It is confined to a single goroutine (the
// account's sync worker); only State is safe to call from elsewhere.
type Client struct {
	account types.Account
	creds   creds.Provider
	opts    Options
	logger  *logrus.Logger

	conn     Conn
	selected string

	stateMu sync.Mutex
	state   types.ConnState
}

// FetchProblem reports a single malformed message inside an otherwise
// successful fetch batch.
type FetchProblem struct {
	UID    uint32
	Reason string
}

// NewClient creates a client; it does not connect.
func NewClient(acc types.Account, provider creds.Provider, opts Options, logger *logrus.Logger) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.IdleLogoutTimeout == 0 {
		opts.IdleLogoutTimeout = 24 * time.Minute
	}
	if opts.Dialer == nil {
		opts.Dialer = dial
	}
	return &Client{
		account: acc,
		creds:   provider,
		opts:    opts,
		logger:  logger,
		state:   types.StateDisconnected,
	}
}

// dial opens the transport according to the account's security mode.
// Transport failures map to ConnectionError, TLS failures to SecurityError.
func dial(acc types.Account, timeout time.Duration) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", acc.IMAPHost, acc.IMAPPort)
	tlsConfig := &tls.Config{ServerName: acc.IMAPHost, MinVersion: tls.VersionTLS12}

	tcp, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &types.ConnectionError{Op: "connect", Err: err}
	}

	switch acc.IMAPSecurity {
	case types.SecurityTLS:
		tlsConn := tls.Client(tcp, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			tcp.Close()
			return nil, &types.SecurityError{Op: "tls handshake", Err: err}
		}
		c, err := client.New(tlsConn)
		if err != nil {
			tlsConn.Close()
			return nil, &types.ConnectionError{Op: "greeting", Err: err}
		}
		return liveConn{c}, nil

	case types.SecuritySTARTTLS:
		c, err := client.New(tcp)
		if err != nil {
			tcp.Close()
			return nil, &types.ConnectionError{Op: "greeting", Err: err}
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout() //nolint:errcheck
			return nil, &types.SecurityError{Op: "starttls", Err: err}
		}
		return liveConn{c}, nil

	default:
		c, err := client.New(tcp)
		if err != nil {
			tcp.Close()
			return nil, &types.ConnectionError{Op: "greeting", Err: err}
		}
		return liveConn{c}, nil
	}
}

// State returns the current connection state.
func (c *Client) State() types.ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s types.ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Connect opens the transport. It has no side effect beyond the new
// connection state.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &types.ConnectionError{Op: "connect", Err: err}
	}
	if c.conn != nil {
		c.Close() //nolint:errcheck
	}

	c.setState(types.StateConnecting)
	conn, err := c.opts.Dialer(c.account, c.opts.ConnectTimeout)
	if err != nil {
		c.setState(types.StateDisconnected)
		return err
	}
	conn.SetTimeout(c.opts.CommandTimeout)
	c.conn = conn
	c.selected = ""
	return nil
}

// Authenticate logs in with the current secret from the credential
// provider. A rejection is an AuthError and must not be retried.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &types.ConnectionError{Op: "authenticate", Err: err}
	}
	if c.conn == nil {
		return &types.ConnectionError{Op: "authenticate", Err: fmt.Errorf("not connected")}
	}

	secret, err := c.creds.GetSecret(c.account.ID, creds.PurposeIMAP)
	if err != nil {
		return &types.AuthError{AccountID: c.account.ID, Err: err}
	}

	c.setState(types.StateAuthenticating)
	if err := c.conn.Login(c.account.Username, string(secret)); err != nil {
		c.setState(types.StateDisconnected)
		return &types.AuthError{AccountID: c.account.ID, Err: err}
	}

	c.setState(types.StateAuthenticated)
	c.logger.WithField("account", c.account.ID).Info("Authenticated to IMAP server")
	return nil
}

// ListFolders returns the full folder hierarchy. Idempotent.
func (c *Client) ListFolders(ctx context.Context) ([]types.Folder, error) {
	if err := c.requireAuthenticated(ctx, "list folders"); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for m := range mailboxes {
		folders = append(folders, types.Folder{
			AccountID: c.account.ID,
			Path:      m.Name,
			Name:      baseName(m.Name, m.Delimiter),
			Delimiter: m.Delimiter,
		})
	}
	if err := <-done; err != nil {
		return nil, c.commandErr("list folders", err)
	}

	return folders, nil
}

// SelectFolder selects a folder and returns its counts and uid validity.
func (c *Client) SelectFolder(ctx context.Context, path string) (types.Folder, error) {
	if err := c.requireAuthenticated(ctx, "select folder"); err != nil {
		return types.Folder{}, err
	}

	mbox, err := c.conn.Select(path, false)
	if err != nil {
		return types.Folder{}, &types.ProtocolError{Op: "select " + path, Err: err}
	}
	c.selected = path
	c.setState(types.StateSelected)

	folder := types.Folder{
		AccountID:    c.account.ID,
		Path:         path,
		Name:         path,
		MessageCount: mbox.Messages,
		UIDValidity:  mbox.UidValidity,
	}

	// SELECT reports unseen as a sequence number hint, not a count; ask
	// STATUS for the real one.
	status, err := c.conn.Status(path, []imap.StatusItem{imap.StatusUnseen})
	if err == nil && status != nil {
		folder.UnreadCount = status.Unseen
	}

	return folder, nil
}

// ListUIDs returns every uid in the selected folder.
func (c *Client) ListUIDs(ctx context.Context) ([]uint32, error) {
	if err := c.requireSelected(ctx, "list uids"); err != nil {
		return nil, err
	}
	uids, err := c.conn.UidSearch(&imap.SearchCriteria{})
	if err != nil {
		return nil, c.commandErr("list uids", err)
	}
	return uids, nil
}

// Search returns the uids matching the criteria in the selected folder.
func (c *Client) Search(ctx context.Context, criteria types.Criteria) ([]uint32, error) {
	if err := c.requireSelected(ctx, "search"); err != nil {
		return nil, err
	}
	uids, err := c.conn.UidSearch(buildCriteria(criteria))
	if err != nil {
		return nil, c.commandErr("search", err)
	}
	return uids, nil
}

// FetchHeaders fetches envelope-level records for the given uids. A
// malformed message never fails the batch; it is reported as a problem
// and skipped.
func (c *Client) FetchHeaders(ctx context.Context, uids []uint32) ([]types.Message, []FetchProblem, error) {
	if err := c.requireSelected(ctx, "fetch headers"); err != nil {
		return nil, nil, err
	}
	if len(uids) == 0 {
		return nil, nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		imap.FetchRFC822Size, imap.FetchBodyStructure,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, messages)
	}()

	var out []types.Message
	var problems []FetchProblem
	for msg := range messages {
		parsed, problem := c.parseHeader(msg)
		if problem != nil {
			problems = append(problems, *problem)
			continue
		}
		out = append(out, *parsed)
	}
	if err := <-done; err != nil {
		return nil, problems, c.commandErr("fetch headers", err)
	}

	return out, problems, nil
}

// FetchFlags fetches only the flag sets for the given uids.
func (c *Client) FetchFlags(ctx context.Context, uids []uint32) (map[uint32][]types.Flag, error) {
	if err := c.requireSelected(ctx, "fetch flags"); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return map[uint32][]types.Flag{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, messages)
	}()

	out := make(map[uint32][]types.Flag, len(uids))
	for msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		out[msg.Uid] = convertFlags(msg.Flags)
	}
	if err := <-done; err != nil {
		return nil, c.commandErr("fetch flags", err)
	}

	return out, nil
}

// FetchBody fetches and parses the raw body of one message, the second
// phase of the two-phase fetch.
func (c *Client) FetchBody(ctx context.Context, uid uint32) (*types.Message, error) {
	if err := c.requireSelected(ctx, "fetch body"); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(), imap.FetchEnvelope, imap.FetchFlags,
		imap.FetchUid, imap.FetchRFC822Size,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, messages)
	}()

	var result *types.Message
	var parseErr error
	for msg := range messages {
		if msg.Uid != uid {
			continue
		}
		result, parseErr = c.parseFull(msg, section)
	}
	if err := <-done; err != nil {
		return nil, c.commandErr("fetch body", err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if result == nil {
		return nil, &types.ProtocolError{Op: "fetch body", Err: fmt.Errorf("uid %d not returned by server", uid)}
	}

	return result, nil
}

// SetFlags adds, removes or replaces flags on one message.
func (c *Client) SetFlags(ctx context.Context, uid uint32, flags []types.Flag, mode types.FlagMode) error {
	if err := c.requireSelected(ctx, "store flags"); err != nil {
		return err
	}

	var op imap.FlagsOp
	switch mode {
	case types.FlagsAdd:
		op = imap.AddFlags
	case types.FlagsRemove:
		op = imap.RemoveFlags
	default:
		op = imap.SetFlags
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = string(f)
	}

	item := imap.FormatFlagsOp(op, true)
	if err := c.conn.UidStore(seqset, item, values, nil); err != nil {
		return c.commandErr("store flags", err)
	}
	return nil
}

// Expunge permanently removes messages flagged \Deleted.
func (c *Client) Expunge(ctx context.Context) error {
	if err := c.requireSelected(ctx, "expunge"); err != nil {
		return err
	}
	if err := c.conn.Expunge(nil); err != nil {
		return c.commandErr("expunge", err)
	}
	return nil
}

// MoveMessage moves one message into another folder.
func (c *Client) MoveMessage(ctx context.Context, uid uint32, dest string) error {
	if err := c.requireSelected(ctx, "move"); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := c.conn.UidMove(seqset, dest); err != nil {
		return c.commandErr("move", err)
	}
	return nil
}

// DeleteMessage flags one message \Deleted and expunges.
func (c *Client) DeleteMessage(ctx context.Context, uid uint32) error {
	if err := c.SetFlags(ctx, uid, []types.Flag{types.FlagDeleted}, types.FlagsAdd); err != nil {
		return err
	}
	return c.Expunge(ctx)
}

// Append stores a raw message into a folder, used for Sent copies.
func (c *Client) Append(ctx context.Context, folder string, raw []byte) error {
	if err := c.requireAuthenticated(ctx, "append"); err != nil {
		return err
	}
	flags := []string{string(types.FlagSeen)}
	if err := c.conn.Append(folder, flags, time.Now(), bytes.NewReader(raw)); err != nil {
		return c.commandErr("append", err)
	}
	return nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	c.selected = ""
	c.setState(types.StateDisconnected)
	return err
}

func (c *Client) requireAuthenticated(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &types.ConnectionError{Op: op, Err: err}
	}
	if c.conn == nil {
		return &types.ConnectionError{Op: op, Err: fmt.Errorf("not connected")}
	}
	switch c.State() {
	case types.StateAuthenticated, types.StateSelected, types.StateIdling:
		return nil
	}
	return &types.ProtocolError{Op: op, Err: fmt.Errorf("not authenticated")}
}

func (c *Client) requireSelected(ctx context.Context, op string) error {
	if err := c.requireAuthenticated(ctx, op); err != nil {
		return err
	}
	if c.selected == "" {
		return &types.ProtocolError{Op: op, Err: fmt.Errorf("no folder selected")}
	}
	return nil
}

// commandErr classifies a failed command. Network-level failures drop the
// session; anything else is a protocol error that preserves it.
func (c *Client) commandErr(op string, err error) error {
	if isTransportError(err) {
		c.conn = nil
		c.selected = ""
		c.setState(types.StateDisconnected)
		return &types.ConnectionError{Op: op, Err: err}
	}
	return &types.ProtocolError{Op: op, Err: err}
}

// isTransportError reports whether err means the underlying connection is
// gone. A dropped session often surfaces as a bare EOF rather than a
// net.Error.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func baseName(path, delimiter string) string {
	if delimiter == "" {
		return path
	}
	if idx := strings.LastIndex(path, delimiter); idx >= 0 {
		return path[idx+len(delimiter):]
	}
	return path
}
