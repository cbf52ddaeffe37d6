package cache

import (
	"strings"

	"github.com/brandon/mailengine/pkg/types"
)

// SearchOptions narrow a cached search to an account and optionally one
// folder. Criteria fields combine with logical AND.
type SearchOptions struct {
	AccountID  string
	FolderPath string
	Criteria   types.Criteria
	Limit      int
}

// SearchCached runs a search against the cache only. Body text uses the
// FTS index; the other scopes use plain pattern matches.
func (s *Store) SearchCached(opts SearchOptions) ([]types.Message, error) {
	conditions := []string{"m.account_id = ?"}
	args := []interface{}{opts.AccountID}

	if opts.FolderPath != "" {
		conditions = append(conditions, "m.folder_path = ?")
		args = append(args, opts.FolderPath)
	}

	c := opts.Criteria
	if c.Text != "" {
		switch c.Scope {
		case types.ScopeSubject:
			conditions = append(conditions, "m.subject LIKE ?")
			args = append(args, "%"+c.Text+"%")
		case types.ScopeFrom:
			conditions = append(conditions, "(m.from_addr LIKE ? OR m.from_name LIKE ?)")
			args = append(args, "%"+c.Text+"%", "%"+c.Text+"%")
		case types.ScopeRecipients:
			conditions = append(conditions, "m.recipients LIKE ?")
			args = append(args, "%"+c.Text+"%")
		case types.ScopeBody:
			conditions = append(conditions,
				"m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
			args = append(args, ftsQuote(c.Text))
		}
	}

	if !c.Since.IsZero() {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, c.Since.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	if !c.Before.IsZero() {
		conditions = append(conditions, "m.date < ?")
		args = append(args, c.Before.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}

	for _, f := range c.WithFlags {
		conditions = append(conditions, "m.flags LIKE ?")
		args = append(args, "%"+flagPattern(f)+"%")
	}
	for _, f := range c.WithoutFlags {
		conditions = append(conditions, "m.flags NOT LIKE ?")
		args = append(args, "%"+flagPattern(f)+"%")
	}

	if c.HasAttachment {
		conditions = append(conditions, "m.has_attachments = 1")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT m.account_id, m.folder_path, m.uid, m.message_id, m.subject,
		       m.from_name, m.from_addr, m.recipients, m.date, m.flags, m.size,
		       m.has_attachments, m.body_fetched, m.cached_at
		FROM messages m
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY m.date DESC
		LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := s.cache.DB().Select(&rows, query, args...); err != nil {
		return nil, &types.CacheError{Op: "search", Err: err}
	}

	out := make([]types.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMessage())
	}
	return out, nil
}

// ftsQuote wraps the query as a quoted FTS5 string so user input cannot
// inject FTS syntax.
func ftsQuote(text string) string {
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}

// flagPattern matches a flag inside the JSON-encoded flag array. The
// backslashes in IMAP flag names are escaped in JSON.
func flagPattern(f types.Flag) string {
	return strings.ReplaceAll(string(f), `\`, `\\`)
}
