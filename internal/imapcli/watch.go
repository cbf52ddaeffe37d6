package imapcli

import (
	"context"
	"sync"

	"github.com/emersion/go-imap/client"

	"github.com/brandon/mailengine/pkg/types"
)

// FolderEvent signals that the watched folder changed on the server and a
// sync cycle should run. Events are coalesced; one pending event is enough.
type FolderEvent struct {
	Folder string
}

// Watch is one running IDLE session. Events closes when the session ends,
// either by Stop or by a connection failure; Err reports the latter.
type Watch struct {
	folder string

	events   chan FolderEvent
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// Events delivers change notifications until the session ends.
func (w *Watch) Events() <-chan FolderEvent {
	return w.events
}

// Stop ends the session. Safe to call more than once.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// Err reports why the session ended; nil after a clean Stop.
func (w *Watch) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Watch) setErr(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
}

// Watch starts an IDLE session on the given folder. The server renews the
// session before the RFC logout deadline; the caller only sees a stream of
// change events. Cancelling ctx stops the session.
func (c *Client) Watch(ctx context.Context, folder string) (*Watch, error) {
	if c.selected != folder {
		if _, err := c.SelectFolder(ctx, folder); err != nil {
			return nil, err
		}
	}

	updates := make(chan client.Update, 16)
	c.conn.SetUpdates(updates)

	w := &Watch{
		folder: folder,
		events: make(chan FolderEvent, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.setState(types.StateIdling)

	// The command timeout would abort a long-lived IDLE; the idle options
	// enforce their own renewal deadline instead.
	c.conn.SetTimeout(0)

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	go func() {
		defer close(w.events)
		for {
			select {
			case upd := <-updates:
				switch upd.(type) {
				case *client.MailboxUpdate, *client.MessageUpdate, *client.ExpungeUpdate:
					select {
					case w.events <- FolderEvent{Folder: folder}:
					default:
					}
				}
			case <-w.done:
				return
			}
		}
	}()

	go func() {
		err := c.conn.Idle(w.stop, &client.IdleOptions{LogoutTimeout: c.opts.IdleLogoutTimeout})
		c.conn.SetUpdates(nil)
		c.conn.SetTimeout(c.opts.CommandTimeout)
		if err != nil {
			w.setErr(c.commandErr("idle", err))
		}
		if c.State() == types.StateIdling {
			c.setState(types.StateSelected)
		}
		close(w.done)
	}()

	return w, nil
}
