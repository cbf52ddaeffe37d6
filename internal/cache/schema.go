package cache

// Schema contains the SQL schema for the cache: the three record sets
// (accounts, folders, messages) plus a full-text index over message text.
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    sync_cursor TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folders table
CREATE TABLE IF NOT EXISTS folders (
    account_id TEXT NOT NULL,
    path TEXT NOT NULL,
    name TEXT NOT NULL,
    delimiter TEXT NOT NULL DEFAULT '/',
    uid_validity INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    missing_syncs INTEGER NOT NULL DEFAULT 0,
    last_synced DATETIME,
    PRIMARY KEY (account_id, path),
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

-- Messages table. UIDs are unique per (account, folder) and only valid
-- for the folder's current uid_validity.
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    folder_path TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT,
    from_name TEXT,
    from_addr TEXT,
    recipients TEXT,
    date DATETIME NOT NULL,
    flags TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    has_attachments INTEGER NOT NULL DEFAULT 0,
    body_fetched INTEGER NOT NULL DEFAULT 0,
    body_text TEXT,
    body_html TEXT,
    raw_body BLOB,
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (account_id, folder_path, uid),
    FOREIGN KEY (account_id, folder_path) REFERENCES folders(account_id, path) ON DELETE CASCADE
);

-- Indexes for common lookups
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(account_id, folder_path);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_from_addr ON messages(from_addr);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    from_addr,
    from_name,
    body_text,
    content='messages',
    content_rowid='id'
);

-- Triggers keeping the external-content FTS index in step with messages.
-- FTS5 external-content tables require the 'delete' command form.
CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, from_addr, from_name, body_text)
    VALUES (new.id, new.subject, new.from_addr, new.from_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_addr, from_name, body_text)
    VALUES ('delete', old.id, old.subject, old.from_addr, old.from_name, old.body_text);
    INSERT INTO messages_fts(rowid, subject, from_addr, from_name, body_text)
    VALUES (new.id, new.subject, new.from_addr, new.from_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, from_addr, from_name, body_text)
    VALUES ('delete', old.id, old.subject, old.from_addr, old.from_name, old.body_text);
END;
`
