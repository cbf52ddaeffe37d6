package engine

import (
	"crypto/tls"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeMsg is one message on the fake server.
type fakeMsg struct {
	subject string
	flags   []string
	body    string
}

// fakeIMAP implements imapcli.Conn against an in-memory mailbox. One
// instance survives reconnects, like a real server.
type fakeIMAP struct {
	mu sync.Mutex

	loginErr error
	logins   int

	folders     []string
	uidValidity uint32
	msgs        map[uint32]*fakeMsg

	appended [][]byte
	updates  chan<- client.Update
}

func newFakeIMAP() *fakeIMAP {
	return &fakeIMAP{
		folders:     []string{"INBOX", "Sent"},
		uidValidity: 1,
		msgs:        map[uint32]*fakeMsg{},
	}
}

func (f *fakeIMAP) addMessage(uid uint32, subject string, flags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[uid] = &fakeMsg{subject: subject, flags: flags}
}

func (f *fakeIMAP) removeMessage(uid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.msgs, uid)
}

func (f *fakeIMAP) setFlags(uid uint32, flags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[uid]; ok {
		m.flags = flags
	}
}

// resetMailbox simulates a server-side rebuild: new uid validity, new uids.
func (f *fakeIMAP) resetMailbox(validity uint32, msgs map[uint32]*fakeMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uidValidity = validity
	f.msgs = msgs
}

func (f *fakeIMAP) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeIMAP) appendedCopies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.appended...)
}

func (f *fakeIMAP) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(f.msgs))
	for uid := range f.msgs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (f *fakeIMAP) Login(username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return f.loginErr
}

func (f *fakeIMAP) Logout() error { return nil }

func (f *fakeIMAP) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &imap.MailboxStatus{
		Name:        name,
		Messages:    uint32(len(f.msgs)),
		UidValidity: f.uidValidity,
	}, nil
}

func (f *fakeIMAP) Status(name string, items []imap.StatusItem) (*imap.MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unseen uint32
	for _, m := range f.msgs {
		if !hasFlag(m.flags, string(types.FlagSeen)) {
			unseen++
		}
	}
	return &imap.MailboxStatus{Name: name, Unseen: unseen}, nil
}

func (f *fakeIMAP) List(ref, name string, ch chan *imap.MailboxInfo) error {
	f.mu.Lock()
	folders := append([]string(nil), f.folders...)
	f.mu.Unlock()
	for _, folder := range folders {
		ch <- &imap.MailboxInfo{Name: folder, Delimiter: "/"}
	}
	close(ch)
	return nil
}

func (f *fakeIMAP) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if criteria != nil && len(criteria.Header) > 0 {
		var uids []uint32
		needle := criteria.Header.Get("Subject")
		for _, uid := range f.sortedUIDs() {
			if needle != "" && strings.Contains(f.msgs[uid].subject, needle) {
				uids = append(uids, uid)
			}
		}
		return uids, nil
	}
	return f.sortedUIDs(), nil
}

func (f *fakeIMAP) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range f.sortedUIDs() {
		if !seqset.Contains(uid) {
			continue
		}
		m := f.msgs[uid]
		ch <- &imap.Message{
			Uid: uid,
			Envelope: &imap.Envelope{
				MessageId: m.subject + "@example.com",
				Subject:   m.subject,
				Date:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
				From: []*imap.Address{
					{PersonalName: "Alice", MailboxName: "alice", HostName: "example.com"},
				},
			},
			Flags: append([]string(nil), m.flags...),
			Size:  512,
		}
	}
	close(ch)
	return nil
}

func (f *fakeIMAP) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var flags []string
	if values, ok := value.([]interface{}); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				flags = append(flags, s)
			}
		}
	}

	op := string(item)
	for _, uid := range f.sortedUIDs() {
		if !seqset.Contains(uid) {
			continue
		}
		m := f.msgs[uid]
		switch {
		case strings.HasPrefix(op, "+"):
			for _, fl := range flags {
				if !hasFlag(m.flags, fl) {
					m.flags = append(m.flags, fl)
				}
			}
		case strings.HasPrefix(op, "-"):
			var kept []string
			for _, have := range m.flags {
				if !hasFlag(flags, have) {
					kept = append(kept, have)
				}
			}
			m.flags = kept
		default:
			m.flags = append([]string(nil), flags...)
		}
	}
	if ch != nil {
		close(ch)
	}
	return nil
}

func (f *fakeIMAP) UidMove(seqset *imap.SeqSet, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range f.sortedUIDs() {
		if seqset.Contains(uid) {
			delete(f.msgs, uid)
		}
	}
	return nil
}

func (f *fakeIMAP) Expunge(ch chan uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range f.sortedUIDs() {
		if hasFlag(f.msgs[uid].flags, string(types.FlagDeleted)) {
			delete(f.msgs, uid)
			if ch != nil {
				ch <- uid
			}
		}
	}
	if ch != nil {
		close(ch)
	}
	return nil
}

func (f *fakeIMAP) Append(mbox string, flags []string, date time.Time, msg imap.Literal) error {
	raw, err := io.ReadAll(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, raw)
	return nil
}

func (f *fakeIMAP) Idle(stop <-chan struct{}, opts *client.IdleOptions) error {
	<-stop
	return nil
}

func (f *fakeIMAP) SetUpdates(ch chan<- client.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = ch
}

func (f *fakeIMAP) SetTimeout(d time.Duration) {}

func (f *fakeIMAP) StartTLS(config *tls.Config) error { return nil }

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// recorder collects observer callbacks for assertions.
type recorder struct {
	mu sync.Mutex

	newMessages []types.Message
	flagChanges map[uint32][]types.Flag
	folderLists int
	states      []types.ConnState
	sendResults []error
}

func newRecorder() *recorder {
	return &recorder{flagChanges: map[uint32][]types.Flag{}}
}

func (r *recorder) OnNewMessage(accountID, folder string, msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newMessages = append(r.newMessages, msg)
}

func (r *recorder) OnFlagsChanged(accountID, folder string, uid uint32, flags []types.Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagChanges[uid] = flags
}

func (r *recorder) OnFolderListChanged(accountID string, folders []types.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folderLists++
}

func (r *recorder) OnConnectionStatusChanged(accountID string, state types.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnSendCompleted(accountID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendResults = append(r.sendResults, err)
}

func (r *recorder) newMessageUIDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	uids := make([]uint32, 0, len(r.newMessages))
	for _, m := range r.newMessages {
		uids = append(uids, m.UID)
	}
	return uids
}

func (r *recorder) flagChange(uid uint32) ([]types.Flag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags, ok := r.flagChanges[uid]
	return flags, ok
}

func (r *recorder) lastState() (types.ConnState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) sendErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.sendResults...)
}
