package store

// schemaSQL returns the DDL for all tables. The vector half of the
// Retriever's hybrid search lives in the Vector Index backing service
// (C2), not in this database; this schema only needs to carry the BM25
// text-search half plus the relational File/Chunk/Session/Message model.
func schemaSQL() string {
	return `
-- File registry (C3 Metadata Store).
CREATE TABLE IF NOT EXISTS files (
    file_id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    file_type TEXT NOT NULL,
    byte_size INTEGER NOT NULL,
    uploaded_at DATETIME NOT NULL,
    user_id TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    partition_name TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    metadata JSON
);

CREATE INDEX IF NOT EXISTS idx_files_user ON files(user_id);
CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);

-- Chunk registry, all three hierarchical levels flattened into one table.
CREATE TABLE IF NOT EXISTS chunks (
    file_id TEXT NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    level TEXT NOT NULL,
    content TEXT NOT NULL,
    char_start INTEGER NOT NULL,
    char_end INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    word_count INTEGER NOT NULL,
    position_ratio REAL NOT NULL,
    metadata JSON,
    PRIMARY KEY (file_id, chunk_index)
);

-- Full-text search over chunk content (BM25), the text half of the
-- Retriever's hybrid search; the vector half is served by C2.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    file_id UNINDEXED,
    chunk_index UNINDEXED,
    content='chunks',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content, file_id, chunk_index)
    VALUES (new.rowid, new.content, new.file_id, new.chunk_index);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, file_id, chunk_index)
    VALUES ('delete', old.rowid, old.content, old.file_id, old.chunk_index);
END;

-- Session Store (C4): append-only chat transcripts.
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    metadata JSON
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`
}
