package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/brandon/mailengine/internal/cache"
	"github.com/brandon/mailengine/internal/config"
	"github.com/brandon/mailengine/internal/creds"
	"github.com/brandon/mailengine/internal/imapcli"
	"github.com/brandon/mailengine/internal/smtpcli"
	"github.com/brandon/mailengine/pkg/types"
)

// kickInterval bounds how often stale reads may trigger an early sync
// cycle per account. The worker's own timer stays authoritative.
const kickInterval = 10 * time.Second

// AccountStatus is a point-in-time view of one account's health.
type AccountStatus struct {
	Account   types.Account   `json:"account"`
	State     types.ConnState `json:"-"`
	StateText string          `json:"state"`
	LastSync  time.Time       `json:"last_sync"`
	LastError string          `json:"last_error,omitempty"`
}

// accountHandle bundles everything the coordinator holds per account.
type accountHandle struct {
	account types.Account
	worker  *worker
	smtp    *smtpcli.Client
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// Coordinator is the engine's front door. It owns the account registry,
// one sync worker per account, and the observer fan-out. All methods are
// safe for concurrent use.
type Coordinator struct {
	cfg    *config.Config
	store  *cache.Store
	creds  creds.Provider
	logger *logrus.Logger

	mu        sync.RWMutex
	accounts  map[string]*accountHandle
	defaultID string

	subMu       sync.RWMutex
	subscribers map[string]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// Overridable transports, nil outside of tests.
	imapDialer imapcli.Dialer
	smtpDialer smtpcli.Dialer
}

// NewCoordinator creates a coordinator with no accounts registered.
func NewCoordinator(cfg *config.Config, store *cache.Store, provider creds.Provider, logger *logrus.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		creds:       provider,
		logger:      logger,
		accounts:    make(map[string]*accountHandle),
		subscribers: make(map[string]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
		group:       group,
	}
}

// Register adds an account and starts its sync worker. The first account
// registered becomes the default.
func (c *Coordinator) Register(acc types.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.accounts[acc.ID]; exists {
		return &types.ValidationError{Reason: fmt.Sprintf("account %q is already registered", acc.ID)}
	}
	if err := c.store.UpsertAccount(acc); err != nil {
		return err
	}

	imapClient := imapcli.NewClient(acc, c.creds, imapcli.Options{
		ConnectTimeout:    c.cfg.ConnectTimeout,
		CommandTimeout:    c.cfg.CommandTimeout,
		IdleLogoutTimeout: c.cfg.IdleLogoutTimeout,
		Dialer:            c.imapDialer,
	}, c.logger)
	smtpClient := smtpcli.NewClient(acc, c.creds, smtpcli.Options{
		ConnectTimeout: c.cfg.ConnectTimeout,
		Dialer:         c.smtpDialer,
	}, c.logger)

	w := newWorker(acc, imapClient, c.store, workerConfig{
		PrimaryFolder:      c.cfg.PrimaryFolder,
		SyncInterval:       c.cfg.SyncInterval,
		FolderMissingLimit: c.cfg.FolderMissingLimit,
		MaxRetries:         c.cfg.MaxRetries,
		BackoffBase:        c.cfg.BackoffBase,
		BackoffCap:         c.cfg.BackoffCap,
	}, c.dispatch, c.logger)

	workerCtx, cancel := context.WithCancel(c.ctx)
	handle := &accountHandle{
		account: acc,
		worker:  w,
		smtp:    smtpClient,
		limiter: rate.NewLimiter(rate.Every(kickInterval), 1),
		cancel:  cancel,
	}
	c.accounts[acc.ID] = handle
	if c.defaultID == "" {
		c.defaultID = acc.ID
	}

	c.group.Go(func() error {
		w.run(workerCtx)
		return nil
	})

	c.logger.WithField("account", acc.ID).Info("Account registered")
	return nil
}

// RemoveAccount stops the account's worker and purges its cached state.
func (c *Coordinator) RemoveAccount(id string) error {
	c.mu.Lock()
	handle, ok := c.accounts[id]
	if !ok {
		c.mu.Unlock()
		return &types.ValidationError{Reason: fmt.Sprintf("unknown account %q", id)}
	}
	delete(c.accounts, id)
	if c.defaultID == id {
		c.defaultID = ""
		for _, h := range c.accounts {
			c.defaultID = h.account.ID
			break
		}
	}
	c.mu.Unlock()

	handle.cancel()
	select {
	case <-handle.worker.done:
	case <-time.After(c.cfg.StopWait):
		c.logger.WithField("account", id).Warn("Worker did not stop in time")
	}

	if err := c.store.DeleteAccount(id); err != nil {
		return err
	}
	c.logger.WithField("account", id).Info("Account removed")
	return nil
}

// Accounts lists registered accounts sorted by id.
func (c *Coordinator) Accounts() []types.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Account, 0, len(c.accounts))
	for _, h := range c.accounts {
		out = append(out, h.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultAccount returns the current default account.
func (c *Coordinator) DefaultAccount() (types.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.defaultID == "" {
		return types.Account{}, &types.ValidationError{Reason: "no accounts registered"}
	}
	return c.accounts[c.defaultID].account, nil
}

// SetDefaultAccount changes which account operations fall back to.
func (c *Coordinator) SetDefaultAccount(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[id]; !ok {
		return &types.ValidationError{Reason: fmt.Sprintf("unknown account %q", id)}
	}
	c.defaultID = id
	return nil
}

// AccountStatus reports one account's connection health.
func (c *Coordinator) AccountStatus(id string) (AccountStatus, error) {
	handle, err := c.handle(id)
	if err != nil {
		return AccountStatus{}, err
	}
	state, lastSync, lastErr := handle.worker.Status()
	status := AccountStatus{
		Account:   handle.account,
		State:     state,
		StateText: state.String(),
		LastSync:  lastSync,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status, nil
}

// GetFolderContents returns the cached view of a folder. It never blocks
// on the network; a stale or degraded snapshot is returned as-is with
// stale=true, and an early sync cycle is requested in the background.
func (c *Coordinator) GetFolderContents(ctx context.Context, accountID, folder string) (*cache.Snapshot, bool, error) {
	handle, err := c.handle(accountID)
	if err != nil {
		return nil, false, err
	}

	snap, err := c.store.Snapshot(accountID, folder)
	if err != nil {
		return nil, false, err
	}

	stale := snap.Degraded
	if snap.Folder.LastSynced == nil {
		stale = true
	} else if time.Since(*snap.Folder.LastSynced) > c.cfg.CacheMaxAge {
		stale = true
	}

	if stale && handle.limiter.Allow() {
		handle.worker.kickNow()
	}
	return snap, stale, nil
}

// ListFolders returns the cached folder hierarchy.
func (c *Coordinator) ListFolders(accountID string) ([]types.Folder, error) {
	if _, err := c.handle(accountID); err != nil {
		return nil, err
	}
	return c.store.ListFolders(accountID)
}

// SearchMessages searches one folder. When the account is online the
// server evaluates the criteria; offline, the cached index answers
// instead, so searches degrade rather than fail.
func (c *Coordinator) SearchMessages(ctx context.Context, accountID, folder string, criteria types.Criteria, limit int) ([]types.Message, error) {
	handle, err := c.handle(accountID)
	if err != nil {
		return nil, err
	}

	var uids []uint32
	execErr := handle.worker.exec(ctx, func(ctx context.Context, cli *imapcli.Client) error {
		if _, err := cli.SelectFolder(ctx, folder); err != nil {
			return err
		}
		found, err := cli.Search(ctx, criteria)
		if err != nil {
			return err
		}
		uids = found
		return nil
	})
	if execErr != nil {
		if !types.IsRetryable(execErr) {
			return nil, execErr
		}
		c.logger.WithField("account", accountID).WithError(execErr).
			Debug("Server search unavailable, falling back to cache")
		return c.store.SearchCached(cache.SearchOptions{
			AccountID:  accountID,
			FolderPath: folder,
			Criteria:   criteria,
			Limit:      limit,
		})
	}

	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	out := make([]types.Message, 0, len(uids))
	for _, uid := range uids {
		msg, err := c.store.GetMessage(accountID, folder, uid)
		if err != nil || msg == nil {
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// GetMessage returns one message with its body, fetching the body on
// demand and caching it. Offline, a cached header-only record is still
// returned rather than nothing.
func (c *Coordinator) GetMessage(ctx context.Context, accountID, folder string, uid uint32) (*types.Message, error) {
	handle, err := c.handle(accountID)
	if err != nil {
		return nil, err
	}

	cached, err := c.store.GetMessage(accountID, folder, uid)
	if err == nil && cached != nil && cached.BodyFetched {
		return cached, nil
	}

	var fetched *types.Message
	execErr := handle.worker.exec(ctx, func(ctx context.Context, cli *imapcli.Client) error {
		if _, err := cli.SelectFolder(ctx, folder); err != nil {
			return err
		}
		msg, err := cli.FetchBody(ctx, uid)
		if err != nil {
			return err
		}
		fetched = msg
		return nil
	})
	if execErr != nil {
		if cached != nil && types.IsRetryable(execErr) {
			return cached, nil
		}
		return nil, execErr
	}

	if err := c.store.SetMessageBody(accountID, folder, uid, fetched.Raw, fetched.BodyText, fetched.BodyHTML, fetched.HasAttachments); err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return nil, err
		}
		c.logger.WithError(err).Warn("Failed to cache message body")
	}
	return fetched, nil
}

// MarkMessage changes a message's flags on the server. The next sync
// cycle folds the change back into the cache.
func (c *Coordinator) MarkMessage(ctx context.Context, accountID, folder string, uid uint32, flags []types.Flag, mode types.FlagMode) error {
	return c.folderOp(ctx, accountID, folder, func(ctx context.Context, cli *imapcli.Client) error {
		return cli.SetFlags(ctx, uid, flags, mode)
	})
}

// MoveMessage moves a message to another folder on the server.
func (c *Coordinator) MoveMessage(ctx context.Context, accountID, folder string, uid uint32, dest string) error {
	return c.folderOp(ctx, accountID, folder, func(ctx context.Context, cli *imapcli.Client) error {
		return cli.MoveMessage(ctx, uid, dest)
	})
}

// DeleteMessage permanently deletes a message on the server.
func (c *Coordinator) DeleteMessage(ctx context.Context, accountID, folder string, uid uint32) error {
	return c.folderOp(ctx, accountID, folder, func(ctx context.Context, cli *imapcli.Client) error {
		return cli.DeleteMessage(ctx, uid)
	})
}

func (c *Coordinator) folderOp(ctx context.Context, accountID, folder string, fn func(context.Context, *imapcli.Client) error) error {
	handle, err := c.handle(accountID)
	if err != nil {
		return err
	}
	err = handle.worker.exec(ctx, func(ctx context.Context, cli *imapcli.Client) error {
		if _, err := cli.SelectFolder(ctx, folder); err != nil {
			return err
		}
		return fn(ctx, cli)
	})
	if err != nil {
		return err
	}
	handle.worker.kickNow()
	return nil
}

// SendMessage delivers one message through the account's SMTP endpoint
// and copies the delivered bytes into the Sent folder. A partial
// delivery still stores the Sent copy and returns the PartialSendError
// naming each rejected recipient.
func (c *Coordinator) SendMessage(ctx context.Context, accountID string, msg *types.OutboundMessage) error {
	handle, err := c.handle(accountID)
	if err != nil {
		return err
	}

	var wire bytes.Buffer
	sendErr := handle.smtp.Send(ctx, msg, &wire)

	var partial *types.PartialSendError
	delivered := sendErr == nil || (errors.As(sendErr, &partial) && len(partial.Accepted) > 0)

	if delivered && wire.Len() > 0 {
		raw := wire.Bytes()
		appendErr := handle.worker.exec(ctx, func(ctx context.Context, cli *imapcli.Client) error {
			return cli.Append(ctx, c.cfg.SentFolder, raw)
		})
		if appendErr != nil {
			c.logger.WithField("account", accountID).WithError(appendErr).
				Warn("Failed to store Sent copy")
		} else {
			handle.worker.kickNow()
		}
	}

	c.dispatch(func(o Observer) { o.OnSendCompleted(accountID, sendErr) })
	return sendErr
}

// Subscribe registers an observer and returns its subscription id.
func (c *Coordinator) Subscribe(obs Observer) string {
	s := newSubscriber(obs)
	c.subMu.Lock()
	c.subscribers[s.id] = s
	c.subMu.Unlock()
	return s.id
}

// Unsubscribe removes an observer. Its queue is drained before return.
func (c *Coordinator) Unsubscribe(id string) {
	c.subMu.Lock()
	s, ok := c.subscribers[id]
	delete(c.subscribers, id)
	c.subMu.Unlock()
	if ok {
		s.close()
	}
}

// Shutdown stops every worker and waits for them, bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.group.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	c.subMu.Lock()
	subs := c.subscribers
	c.subscribers = make(map[string]*subscriber)
	c.subMu.Unlock()
	for _, s := range subs {
		s.close()
	}

	c.logger.Info("Coordinator stopped")
	return nil
}

func (c *Coordinator) handle(id string) (*accountHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.accounts[id]
	if !ok {
		return nil, &types.ValidationError{Reason: fmt.Sprintf("unknown account %q", id)}
	}
	return h, nil
}
