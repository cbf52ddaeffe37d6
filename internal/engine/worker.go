package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/internal/cache"
	"github.com/brandon/mailengine/internal/imapcli"
	"github.com/brandon/mailengine/pkg/types"
)

// workerConfig is the slice of engine configuration one worker needs.
type workerConfig struct {
	PrimaryFolder      string
	SyncInterval       time.Duration
	FolderMissingLimit int
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// clientOp is a request to run against the worker's live session. The
// worker pauses its watch, runs the op, and resumes.
type clientOp struct {
	run  func(ctx context.Context, cli *imapcli.Client) error
	done chan error
}

// worker owns one account's IMAP session. It is the only writer of that
// account's cache rows. The loop alternates between watching the primary
// folder and running sync cycles; everything else reaches the session
// through exec.
type worker struct {
	account types.Account
	client  *imapcli.Client
	store   *cache.Store
	cfg     workerConfig
	logger  *logrus.Entry

	notify func(fn func(Observer))

	kick chan struct{}
	ops  chan clientOp
	done chan struct{}

	stateMu  sync.Mutex
	state    types.ConnState
	lastErr  error
	lastSync time.Time
}

func newWorker(acc types.Account, client *imapcli.Client, store *cache.Store, cfg workerConfig, notify func(func(Observer)), logger *logrus.Logger) *worker {
	return &worker{
		account: acc,
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  logger.WithField("account", acc.ID),
		notify:  notify,
		kick:    make(chan struct{}, 1),
		ops:     make(chan clientOp),
		done:    make(chan struct{}),
		state:   types.StateDisconnected,
	}
}

// kickNow requests an early sync cycle. Coalesced; never blocks.
func (w *worker) kickNow() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// exec runs fn against the live session from the worker goroutine. It
// fails fast when the account is offline instead of queueing forever.
func (w *worker) exec(ctx context.Context, fn func(context.Context, *imapcli.Client) error) error {
	switch w.State() {
	case types.StateDisconnected, types.StateConnecting, types.StateDisabled:
		return &types.ConnectionError{Op: "exec", Err: fmt.Errorf("account %s is offline", w.account.ID)}
	}

	op := clientOp{run: fn, done: make(chan error, 1)}
	select {
	case w.ops <- op:
	case <-w.done:
		return &types.ConnectionError{Op: "exec", Err: fmt.Errorf("worker for %s stopped", w.account.ID)}
	case <-ctx.Done():
		return &types.ConnectionError{Op: "exec", Err: ctx.Err()}
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return &types.ConnectionError{Op: "exec", Err: ctx.Err()}
	}
}

// State returns the worker's connection state.
func (w *worker) State() types.ConnState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// Status returns state, last successful sync time, and last error.
func (w *worker) Status() (types.ConnState, time.Time, error) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state, w.lastSync, w.lastErr
}

func (w *worker) setState(s types.ConnState) {
	w.stateMu.Lock()
	changed := w.state != s
	w.state = s
	w.stateMu.Unlock()
	if changed {
		w.notify(func(o Observer) { o.OnConnectionStatusChanged(w.account.ID, s) })
	}
}

func (w *worker) setErr(err error) {
	w.stateMu.Lock()
	w.lastErr = err
	w.stateMu.Unlock()
}

func (w *worker) markSynced() {
	w.stateMu.Lock()
	w.lastErr = nil
	w.lastSync = time.Now()
	w.stateMu.Unlock()
}

// run is the worker's main loop: establish a session, serve it until it
// fails or the context ends, back off, repeat. Connection loss never stops
// the loop; only an authentication failure disables the account, with zero
// retries.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	attempt := 0
	for {
		synced, err := w.session(ctx)
		if ctx.Err() != nil {
			w.setState(types.StateDisconnected)
			return
		}
		if synced {
			attempt = 0
		}
		if err == nil {
			continue
		}

		w.setErr(err)
		if types.IsAuth(err) {
			w.logger.WithError(err).Error("Authentication failed, disabling account")
			w.setState(types.StateDisabled)
			return
		}
		attempt++
		if w.cfg.MaxRetries > 0 && attempt == w.cfg.MaxRetries {
			// Losing the network is a freshness problem, not a reason to
			// stop. Escalate the log level and settle at the capped delay.
			w.logger.WithError(err).WithField("attempts", attempt).Error("Account still unreachable, retrying at capped backoff")
		}

		delay := backoffDelay(attempt, w.cfg.BackoffBase, w.cfg.BackoffCap)
		w.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Session failed, reconnecting")
		w.setState(types.StateDisconnected)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection lifetime. It reports whether at least one
// sync cycle completed, so the retry counter only resets on real progress.
func (w *worker) session(ctx context.Context) (bool, error) {
	w.setState(types.StateConnecting)
	if err := w.client.Connect(ctx); err != nil {
		return false, err
	}
	defer w.client.Close() //nolint:errcheck

	if err := w.client.Authenticate(ctx); err != nil {
		return false, err
	}
	w.setState(types.StateAuthenticated)

	if err := w.reconcileFolders(ctx); err != nil {
		return false, err
	}
	if err := w.syncFolder(ctx, w.cfg.PrimaryFolder); err != nil {
		return false, err
	}
	w.markSynced()

	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		watch, err := w.client.Watch(ctx, w.cfg.PrimaryFolder)
		if err != nil {
			return true, err
		}
		w.setState(types.StateIdling)

		reconcile := false
		select {
		case <-ctx.Done():
			watch.Stop()
			drainWatch(watch)
			return true, nil

		case _, ok := <-watch.Events():
			if !ok {
				return true, watchErr(watch)
			}
			watch.Stop()
			if err := stopWatch(watch); err != nil {
				return true, err
			}

		case <-ticker.C:
			reconcile = true
			watch.Stop()
			if err := stopWatch(watch); err != nil {
				return true, err
			}

		case <-w.kick:
			watch.Stop()
			if err := stopWatch(watch); err != nil {
				return true, err
			}

		case op := <-w.ops:
			watch.Stop()
			if err := stopWatch(watch); err != nil {
				op.done <- &types.ConnectionError{Op: "exec", Err: err}
				return true, err
			}
			opErr := op.run(ctx, w.client)
			op.done <- opErr
			if opErr != nil && !types.IsRetryable(opErr) {
				// Protocol-level failures keep the session alive.
				continue
			}
			if opErr != nil {
				return true, opErr
			}
			continue
		}

		if reconcile {
			if err := w.reconcileFolders(ctx); err != nil {
				return true, err
			}
		}
		if err := w.syncFolder(ctx, w.cfg.PrimaryFolder); err != nil {
			return true, err
		}
		w.markSynced()
	}
}

// stopWatch waits for a stopped watch to wind down and surfaces the error
// that ended it, if any.
func stopWatch(watch *imapcli.Watch) error {
	drainWatch(watch)
	return watchErr(watch)
}

func drainWatch(watch *imapcli.Watch) {
	for range watch.Events() {
	}
}

func watchErr(watch *imapcli.Watch) error {
	if err := watch.Err(); err != nil {
		return err
	}
	return nil
}

// reconcileFolders refreshes the cached folder hierarchy and notifies
// observers when it changed.
func (w *worker) reconcileFolders(ctx context.Context) error {
	listed, err := w.client.ListFolders(ctx)
	if err != nil {
		return err
	}

	before, err := w.store.ListFolders(w.account.ID)
	if err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return err
		}
		w.logger.WithError(err).Warn("Cache read failed during folder reconcile")
	}

	removed, err := w.store.ReconcileFolders(w.account.ID, listed, w.cfg.FolderMissingLimit)
	if err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return err
		}
		w.logger.WithError(err).Warn("Cache write failed during folder reconcile")
		return nil
	}

	if len(removed) > 0 || folderPathsChanged(before, listed) {
		folders, err := w.store.ListFolders(w.account.ID)
		if err != nil {
			folders = listed
		}
		w.notify(func(o Observer) { o.OnFolderListChanged(w.account.ID, folders) })
	}
	return nil
}

func folderPathsChanged(before, after []types.Folder) bool {
	have := make(map[string]bool, len(before))
	for _, f := range before {
		have[f.Path] = true
	}
	for _, f := range after {
		if !have[f.Path] {
			return true
		}
	}
	return false
}

// syncFolder runs one sync cycle for a folder: diff the server's uid set
// against the cache, fetch only what is new, and apply one delta. A uid
// validity change discards the cached folder and rebuilds it silently,
// the same as a first sync.
func (w *worker) syncFolder(ctx context.Context, path string) error {
	folder, err := w.client.SelectFolder(ctx, path)
	if err != nil {
		return err
	}

	cachedValidity, had, err := w.store.UIDValidity(w.account.ID, path)
	if err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return err
		}
		had = false
	}

	initial := !had
	if had && cachedValidity != folder.UIDValidity {
		w.logger.WithFields(logrus.Fields{
			"folder":       path,
			"old_validity": cachedValidity,
			"new_validity": folder.UIDValidity,
		}).Warn("UID validity changed, discarding cached folder")
		if err := w.store.DropFolderMessages(w.account.ID, path); err != nil {
			return err
		}
		initial = true
	}

	serverUIDs, err := w.client.ListUIDs(ctx)
	if err != nil {
		return err
	}

	cachedFlags, err := w.store.FolderFlags(w.account.ID, path)
	if err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return err
		}
		cachedFlags = map[uint32][]types.Flag{}
	}

	onServer := make(map[uint32]bool, len(serverUIDs))
	var added, common []uint32
	for _, uid := range serverUIDs {
		onServer[uid] = true
		if _, ok := cachedFlags[uid]; ok {
			common = append(common, uid)
		} else {
			added = append(added, uid)
		}
	}
	var removed []uint32
	for uid := range cachedFlags {
		if !onServer[uid] {
			removed = append(removed, uid)
		}
	}

	changed := map[uint32][]types.Flag{}
	if len(common) > 0 {
		flags, err := w.client.FetchFlags(ctx, common)
		if err != nil {
			return err
		}
		for uid, fl := range flags {
			if !flagsEqual(fl, cachedFlags[uid]) {
				changed[uid] = fl
			}
		}
	}

	newMessages, problems, err := w.client.FetchHeaders(ctx, added)
	if err != nil {
		return err
	}
	for _, p := range problems {
		w.logger.WithFields(logrus.Fields{"folder": path, "uid": p.UID}).
			Warnf("Skipping malformed message: %s", p.Reason)
	}

	delta := cache.Delta{
		UIDValidity:  folder.UIDValidity,
		MessageCount: folder.MessageCount,
		UnreadCount:  folder.UnreadCount,
		Added:        newMessages,
		Removed:      removed,
		Flags:        changed,
	}
	if err := w.store.ApplyDelta(w.account.ID, path, delta); err != nil {
		var cacheErr *types.CacheError
		if !errors.As(err, &cacheErr) {
			return err
		}
		w.logger.WithError(err).Warn("Cache write failed, serving from memory until it recovers")
	}

	if err := w.store.SetSyncCursor(w.account.ID, syncCursor(folder.UIDValidity, serverUIDs)); err != nil {
		w.logger.WithError(err).Debug("Failed to persist sync cursor")
	}

	if !initial {
		for _, msg := range newMessages {
			m := msg
			w.notify(func(o Observer) { o.OnNewMessage(w.account.ID, path, m) })
		}
		for uid, fl := range changed {
			uid, fl := uid, fl
			w.notify(func(o Observer) { o.OnFlagsChanged(w.account.ID, path, uid, fl) })
		}
	}

	w.logger.WithFields(logrus.Fields{
		"folder":  path,
		"added":   len(newMessages),
		"removed": len(removed),
		"flags":   len(changed),
	}).Debug("Sync cycle complete")
	return nil
}

func flagsEqual(a, b []types.Flag) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = string(a[i])
	}
	for i := range b {
		bs[i] = string(b[i])
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// syncCursor encodes the folder position reached by the last cycle.
func syncCursor(validity uint32, uids []uint32) string {
	var max uint32
	for _, uid := range uids {
		if uid > max {
			max = uid
		}
	}
	return fmt.Sprintf("%d:%d", validity, max)
}
