package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailengine/pkg/types"
)

// Snapshot is a read-only view of one cached folder. Degraded marks a
// snapshot served from memory because SQLite was unavailable.
type Snapshot struct {
	Folder   types.Folder
	Messages []types.Message
	Degraded bool
}

// Delta is the outcome of one folder sync, applied in a single
// transaction so readers never observe a half-applied sync.
type Delta struct {
	UIDValidity  uint32
	MessageCount uint32
	UnreadCount  uint32

	Added   []types.Message
	Removed []uint32
	Flags   map[uint32][]types.Flag
}

// Store provides all reads and writes against the cache. Writes for one
// account come from that account's sync worker only; reads may come from
// any goroutine.
type Store struct {
	cache  *Cache
	logger *logrus.Logger

	// snaps holds the last good snapshot per folder. It is the fallback
	// when the database cannot be read or written.
	snaps *lru.Cache[string, *Snapshot]
}

// NewStore creates a new store instance.
func NewStore(cache *Cache, lruSize int, logger *logrus.Logger) (*Store, error) {
	if lruSize < 1 {
		lruSize = 128
	}
	snaps, err := lru.New[string, *Snapshot](lruSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &Store{cache: cache, logger: logger, snaps: snaps}, nil
}

func snapKey(accountID, path string) string {
	return accountID + "\x00" + path
}

// UpsertAccount inserts or refreshes an account record.
func (s *Store) UpsertAccount(acc types.Account) error {
	query := `
		INSERT INTO accounts (id, name, address, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, acc.ID, acc.Name, acc.Address); err != nil {
		return &types.CacheError{Op: "upsert account", Err: err}
	}
	return nil
}

// DeleteAccount removes an account and, through cascading deletes, all of
// its folders and messages.
func (s *Store) DeleteAccount(accountID string) error {
	if _, err := s.cache.DB().Exec("DELETE FROM accounts WHERE id = ?", accountID); err != nil {
		return &types.CacheError{Op: "delete account", Err: err}
	}
	for _, key := range s.snaps.Keys() {
		if len(key) > len(accountID) && key[:len(accountID)+1] == accountID+"\x00" {
			s.snaps.Remove(key)
		}
	}
	return nil
}

// SyncCursor returns the stored sync cursor for an account.
func (s *Store) SyncCursor(accountID string) (string, error) {
	var cursor string
	err := s.cache.DB().Get(&cursor, "SELECT sync_cursor FROM accounts WHERE id = ?", accountID)
	if err != nil {
		return "", &types.CacheError{Op: "read sync cursor", Err: err}
	}
	return cursor, nil
}

// SetSyncCursor stores the sync cursor for an account.
func (s *Store) SetSyncCursor(accountID, cursor string) error {
	_, err := s.cache.DB().Exec(
		"UPDATE accounts SET sync_cursor = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		cursor, accountID)
	if err != nil {
		return &types.CacheError{Op: "write sync cursor", Err: err}
	}
	return nil
}

// ReconcileFolders applies a fresh server folder listing: listed folders
// are upserted, unlisted ones accumulate a missing counter and are
// dropped once it reaches missingLimit. Returns the removed paths.
func (s *Store) ReconcileFolders(accountID string, folders []types.Folder, missingLimit int) ([]string, error) {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return nil, &types.CacheError{Op: "reconcile folders", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	paths := make([]string, 0, len(folders))
	for _, f := range folders {
		paths = append(paths, f.Path)
		_, err := tx.Exec(`
			INSERT INTO folders (account_id, path, name, delimiter, missing_syncs)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(account_id, path) DO UPDATE SET
				name = excluded.name,
				delimiter = excluded.delimiter,
				missing_syncs = 0
		`, accountID, f.Path, f.Name, f.Delimiter)
		if err != nil {
			return nil, &types.CacheError{Op: "upsert folder", Err: err}
		}
	}

	query, args, err := sqlx.In(
		"UPDATE folders SET missing_syncs = missing_syncs + 1 WHERE account_id = ? AND path NOT IN (?)",
		accountID, paths)
	if len(paths) == 0 {
		query, args = "UPDATE folders SET missing_syncs = missing_syncs + 1 WHERE account_id = ?", []interface{}{accountID}
		err = nil
	}
	if err != nil {
		return nil, &types.CacheError{Op: "expand folder listing", Err: err}
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, &types.CacheError{Op: "mark missing folders", Err: err}
	}

	var removed []string
	if err := tx.Select(&removed,
		"SELECT path FROM folders WHERE account_id = ? AND missing_syncs >= ?",
		accountID, missingLimit); err != nil {
		return nil, &types.CacheError{Op: "list removed folders", Err: err}
	}
	if _, err := tx.Exec(
		"DELETE FROM folders WHERE account_id = ? AND missing_syncs >= ?",
		accountID, missingLimit); err != nil {
		return nil, &types.CacheError{Op: "delete removed folders", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &types.CacheError{Op: "reconcile folders", Err: err}
	}

	for _, path := range removed {
		s.snaps.Remove(snapKey(accountID, path))
	}
	return removed, nil
}

// ListFolders returns the cached folder hierarchy of an account.
func (s *Store) ListFolders(accountID string) ([]types.Folder, error) {
	var rows []folderRow
	err := s.cache.DB().Select(&rows, `
		SELECT account_id, path, name, delimiter, uid_validity,
		       message_count, unread_count, last_synced
		FROM folders WHERE account_id = ? ORDER BY path
	`, accountID)
	if err != nil {
		return nil, &types.CacheError{Op: "list folders", Err: err}
	}

	folders := make([]types.Folder, 0, len(rows))
	for i := range rows {
		folders = append(folders, rows[i].toFolder())
	}
	return folders, nil
}

// UIDValidity returns the cached uid validity for a folder and whether
// the folder is known at all.
func (s *Store) UIDValidity(accountID, path string) (uint32, bool, error) {
	var v uint32
	err := s.cache.DB().Get(&v,
		"SELECT uid_validity FROM folders WHERE account_id = ? AND path = ?",
		accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &types.CacheError{Op: "read uid validity", Err: err}
	}
	return v, true, nil
}

// FolderFlags returns the cached uid set of a folder with each uid's
// flags, the input for the worker's diff.
func (s *Store) FolderFlags(accountID, path string) (map[uint32][]types.Flag, error) {
	var rows []struct {
		UID   uint32         `db:"uid"`
		Flags sql.NullString `db:"flags"`
	}
	err := s.cache.DB().Select(&rows,
		"SELECT uid, flags FROM messages WHERE account_id = ? AND folder_path = ?",
		accountID, path)
	if err != nil {
		return nil, &types.CacheError{Op: "list folder uids", Err: err}
	}

	out := make(map[uint32][]types.Flag, len(rows))
	for _, r := range rows {
		out[r.UID] = decodeFlags(r.Flags.String)
	}
	return out, nil
}

// ApplyDelta applies one sync outcome transactionally. When the database
// is unusable the delta is applied to the in-memory snapshot instead and
// a CacheError is returned so the caller knows persistence is degraded.
func (s *Store) ApplyDelta(accountID, path string, d Delta) error {
	if err := s.applyDeltaDB(accountID, path, d); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account": accountID,
			"folder":  path,
		}).Warn("Cache write failed, applying delta in memory only")
		s.applyDeltaMemory(accountID, path, d)
		return err
	}
	s.refreshSnapshot(accountID, path)
	return nil
}

func (s *Store) applyDeltaDB(accountID, path string, d Delta) error {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return &types.CacheError{Op: "apply delta", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		INSERT INTO folders (account_id, path, name, delimiter, uid_validity,
		                     message_count, unread_count, last_synced)
		VALUES (?, ?, ?, '/', ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			message_count = excluded.message_count,
			unread_count = excluded.unread_count,
			last_synced = excluded.last_synced,
			missing_syncs = 0
	`, accountID, path, path, d.UIDValidity, d.MessageCount, d.UnreadCount, now)
	if err != nil {
		return &types.CacheError{Op: "update folder", Err: err}
	}

	if len(d.Removed) > 0 {
		query, args, err := sqlx.In(
			"DELETE FROM messages WHERE account_id = ? AND folder_path = ? AND uid IN (?)",
			accountID, path, d.Removed)
		if err != nil {
			return &types.CacheError{Op: "expand removed uids", Err: err}
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return &types.CacheError{Op: "prune messages", Err: err}
		}
	}

	for i := range d.Added {
		if err := insertMessage(tx, &d.Added[i]); err != nil {
			return err
		}
	}

	for uid, flags := range d.Flags {
		if _, err := tx.Exec(`
			UPDATE messages SET flags = ?, cached_at = ?
			WHERE account_id = ? AND folder_path = ? AND uid = ?
		`, encodeFlags(flags), now, accountID, path, uid); err != nil {
			return &types.CacheError{Op: "update flags", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.CacheError{Op: "apply delta", Err: err}
	}
	return nil
}

func (s *Store) applyDeltaMemory(accountID, path string, d Delta) {
	key := snapKey(accountID, path)
	snap, ok := s.snaps.Get(key)
	if !ok {
		snap = &Snapshot{Folder: types.Folder{AccountID: accountID, Path: path, Name: path}}
	}
	next := cloneSnapshot(snap)
	next.Degraded = true
	next.Folder.UIDValidity = d.UIDValidity
	next.Folder.MessageCount = d.MessageCount
	next.Folder.UnreadCount = d.UnreadCount
	now := time.Now().UTC()
	next.Folder.LastSynced = &now

	removed := make(map[uint32]bool, len(d.Removed))
	for _, uid := range d.Removed {
		removed[uid] = true
	}
	kept := next.Messages[:0]
	for i := range next.Messages {
		if !removed[next.Messages[i].UID] {
			kept = append(kept, next.Messages[i])
		}
	}
	next.Messages = append(kept, d.Added...)
	for i := range next.Messages {
		if flags, ok := d.Flags[next.Messages[i].UID]; ok {
			next.Messages[i].Flags = flags
		}
	}
	sort.Slice(next.Messages, func(i, j int) bool {
		return next.Messages[i].UID < next.Messages[j].UID
	})

	s.snaps.Add(key, next)
}

// DropFolderMessages discards every cached message of a folder. Used when
// the server reports a new uid validity and all cached uids are void.
func (s *Store) DropFolderMessages(accountID, path string) error {
	_, err := s.cache.DB().Exec(
		"DELETE FROM messages WHERE account_id = ? AND folder_path = ?",
		accountID, path)
	if err != nil {
		return &types.CacheError{Op: "drop folder messages", Err: err}
	}
	s.snaps.Remove(snapKey(accountID, path))
	return nil
}

// Snapshot returns the cached contents of a folder. When the database is
// unreadable the last good in-memory snapshot is returned with Degraded
// set; only if neither exists does it fail.
func (s *Store) Snapshot(accountID, path string) (*Snapshot, error) {
	snap, err := s.readSnapshot(accountID, path)
	if err == nil {
		s.snaps.Add(snapKey(accountID, path), snap)
		return cloneSnapshot(snap), nil
	}

	if cached, ok := s.snaps.Get(snapKey(accountID, path)); ok {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account": accountID,
			"folder":  path,
		}).Warn("Cache read failed, serving in-memory snapshot")
		out := cloneSnapshot(cached)
		out.Degraded = true
		return out, nil
	}
	return nil, err
}

func (s *Store) readSnapshot(accountID, path string) (*Snapshot, error) {
	var frow folderRow
	err := s.cache.DB().Get(&frow, `
		SELECT account_id, path, name, delimiter, uid_validity,
		       message_count, unread_count, last_synced
		FROM folders WHERE account_id = ? AND path = ?
	`, accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		// A folder never synced is an empty, never-synced snapshot.
		return &Snapshot{Folder: types.Folder{AccountID: accountID, Path: path, Name: path}}, nil
	}
	if err != nil {
		return nil, &types.CacheError{Op: "read folder", Err: err}
	}

	var mrows []messageRow
	err = s.cache.DB().Select(&mrows, `
		SELECT account_id, folder_path, uid, message_id, subject, from_name,
		       from_addr, recipients, date, flags, size, has_attachments,
		       body_fetched, cached_at
		FROM messages WHERE account_id = ? AND folder_path = ?
		ORDER BY uid
	`, accountID, path)
	if err != nil {
		return nil, &types.CacheError{Op: "read folder messages", Err: err}
	}

	snap := &Snapshot{Folder: frow.toFolder()}
	for i := range mrows {
		snap.Messages = append(snap.Messages, mrows[i].toMessage())
	}
	return snap, nil
}

func (s *Store) refreshSnapshot(accountID, path string) {
	snap, err := s.readSnapshot(accountID, path)
	if err != nil {
		s.logger.WithError(err).Debug("Snapshot refresh failed")
		return
	}
	s.snaps.Add(snapKey(accountID, path), snap)
}

// GetMessage returns one cached message including body fields.
func (s *Store) GetMessage(accountID, path string, uid uint32) (*types.Message, error) {
	var row messageRow
	err := s.cache.DB().Get(&row, `
		SELECT account_id, folder_path, uid, message_id, subject, from_name,
		       from_addr, recipients, date, flags, size, has_attachments,
		       body_fetched, body_text, body_html, raw_body, cached_at
		FROM messages WHERE account_id = ? AND folder_path = ? AND uid = ?
	`, accountID, path, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.CacheError{Op: "get message", Err: fmt.Errorf("uid %d not cached", uid)}
	}
	if err != nil {
		return nil, &types.CacheError{Op: "get message", Err: err}
	}
	msg := row.toMessage()
	msg.BodyText = row.BodyText.String
	msg.BodyHTML = row.BodyHTML.String
	msg.Raw = row.RawBody
	return &msg, nil
}

// SetMessageBody fills in the second phase of a two-phase fetch: the raw
// body and its parsed text for an already cached header record.
func (s *Store) SetMessageBody(accountID, path string, uid uint32, raw []byte, text, html string, hasAttachments bool) error {
	res, err := s.cache.DB().Exec(`
		UPDATE messages
		SET raw_body = ?, body_text = ?, body_html = ?,
		    has_attachments = ?, body_fetched = 1,
		    cached_at = ?
		WHERE account_id = ? AND folder_path = ? AND uid = ?
	`, raw, text, html, hasAttachments, time.Now().UTC().Format(time.RFC3339),
		accountID, path, uid)
	if err != nil {
		return &types.CacheError{Op: "store message body", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.CacheError{Op: "store message body", Err: fmt.Errorf("uid %d not cached", uid)}
	}
	s.refreshSnapshot(accountID, path)
	return nil
}

func insertMessage(tx *sqlx.Tx, m *types.Message) error {
	recipients, err := json.Marshal(map[string][]string{"to": m.Envelope.To, "cc": m.Envelope.Cc})
	if err != nil {
		return &types.CacheError{Op: "marshal recipients", Err: err}
	}

	_, err = tx.Exec(`
		INSERT INTO messages (account_id, folder_path, uid, message_id, subject,
		                      from_name, from_addr, recipients, date, flags, size,
		                      has_attachments, body_fetched, body_text, body_html,
		                      raw_body, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_path, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			from_name = excluded.from_name,
			from_addr = excluded.from_addr,
			recipients = excluded.recipients,
			date = excluded.date,
			flags = excluded.flags,
			size = excluded.size,
			has_attachments = excluded.has_attachments,
			cached_at = excluded.cached_at
	`,
		m.AccountID, m.FolderPath, m.UID, m.Envelope.MessageID, m.Envelope.Subject,
		m.Envelope.FromName, m.Envelope.FromAddr, string(recipients),
		m.Envelope.Date.UTC().Format(time.RFC3339), encodeFlags(m.Flags), m.Size,
		m.HasAttachments, m.BodyFetched, m.BodyText, m.BodyHTML, m.Raw,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return &types.CacheError{Op: "insert message", Err: err}
	}
	return nil
}

// row types and converters

type folderRow struct {
	AccountID    string         `db:"account_id"`
	Path         string         `db:"path"`
	Name         string         `db:"name"`
	Delimiter    string         `db:"delimiter"`
	UIDValidity  uint32         `db:"uid_validity"`
	MessageCount uint32         `db:"message_count"`
	UnreadCount  uint32         `db:"unread_count"`
	LastSynced   sql.NullString `db:"last_synced"`
}

func (r *folderRow) toFolder() types.Folder {
	f := types.Folder{
		AccountID:    r.AccountID,
		Path:         r.Path,
		Name:         r.Name,
		Delimiter:    r.Delimiter,
		UIDValidity:  r.UIDValidity,
		MessageCount: r.MessageCount,
		UnreadCount:  r.UnreadCount,
	}
	if r.LastSynced.Valid {
		if t, err := parseTime(r.LastSynced.String); err == nil {
			f.LastSynced = &t
		}
	}
	return f
}

type messageRow struct {
	AccountID      string         `db:"account_id"`
	FolderPath     string         `db:"folder_path"`
	UID            uint32         `db:"uid"`
	MessageID      string         `db:"message_id"`
	Subject        sql.NullString `db:"subject"`
	FromName       sql.NullString `db:"from_name"`
	FromAddr       sql.NullString `db:"from_addr"`
	Recipients     sql.NullString `db:"recipients"`
	Date           string         `db:"date"`
	Flags          sql.NullString `db:"flags"`
	Size           uint32         `db:"size"`
	HasAttachments bool           `db:"has_attachments"`
	BodyFetched    bool           `db:"body_fetched"`
	BodyText       sql.NullString `db:"body_text"`
	BodyHTML       sql.NullString `db:"body_html"`
	RawBody        []byte         `db:"raw_body"`
	CachedAt       string         `db:"cached_at"`
}

func (r *messageRow) toMessage() types.Message {
	m := types.Message{
		AccountID:  r.AccountID,
		FolderPath: r.FolderPath,
		UID:        r.UID,
		Envelope: types.Envelope{
			MessageID: r.MessageID,
			Subject:   r.Subject.String,
			FromName:  r.FromName.String,
			FromAddr:  r.FromAddr.String,
		},
		Flags:          decodeFlags(r.Flags.String),
		Size:           r.Size,
		HasAttachments: r.HasAttachments,
		BodyFetched:    r.BodyFetched,
	}
	if r.Recipients.Valid {
		var rcpt map[string][]string
		if err := json.Unmarshal([]byte(r.Recipients.String), &rcpt); err == nil {
			m.Envelope.To = rcpt["to"]
			m.Envelope.Cc = rcpt["cc"]
		}
	}
	if t, err := parseTime(r.Date); err == nil {
		m.Envelope.Date = t
	}
	if t, err := parseTime(r.CachedAt); err == nil {
		m.CachedAt = t
	}
	return m
}

func encodeFlags(flags []types.Flag) string {
	if len(flags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeFlags(raw string) []types.Flag {
	if raw == "" {
		return nil
	}
	var flags []types.Flag
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil
	}
	if len(flags) == 0 {
		return nil
	}
	return flags
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", raw)
}

func cloneSnapshot(in *Snapshot) *Snapshot {
	out := &Snapshot{Folder: in.Folder, Degraded: in.Degraded}
	if in.Folder.LastSynced != nil {
		t := *in.Folder.LastSynced
		out.Folder.LastSynced = &t
	}
	out.Messages = make([]types.Message, len(in.Messages))
	copy(out.Messages, in.Messages)
	return out
}
