// Package store implements the Metadata Store (C3) and Session Store (C4)
// backing services on top of a single SQLite handle, plus the BM25 half of
// the Retriever's hybrid search (C9).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// File is a row in the files table (§3 File).
type File struct {
	FileID        string
	Filename      string
	FileType      string
	ByteSize      int64
	UploadedAt    time.Time
	UserID        string
	ChunkCount    int
	Status        string // pending, indexing, completed, failed
	PartitionName string
	ContentHash   string
	Metadata      string // JSON
}

// Chunk is a row in the chunks table (§3 Chunk).
type Chunk struct {
	FileID        string
	ChunkIndex    int
	Level         string // large, medium, small
	Content       string
	CharStart     int
	CharEnd       int
	ContentHash   string
	WordCount     int
	PositionRatio float64
	Metadata      string // JSON
}

// Session is a row in the sessions table (§3 Session).
type Session struct {
	SessionID string
	UserID    string
	CreatedAt time.Time
}

// Message is a row in the messages table.
type Message struct {
	Seq       int64
	SessionID string
	Role      string // user, assistant, system
	Content   string
	CreatedAt time.Time
	Metadata  string // JSON
}

// RetrievalResult is a BM25 hit from FTSSearch, shaped to feed directly
// into the Retriever's fusion step alongside vector hits.
type RetrievalResult struct {
	FileID     string
	ChunkIndex int
	Content    string
	Score      float64
	Metadata   string
}

// Store wraps the SQLite database for file/chunk metadata and session
// transcripts.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initializes the schema including the FTS5 virtual table. This is the
// metadata store's lazy-init singleton: construction and schema
// initialization happen together here, exactly once, so there is no
// window where a handle exists but the schema does not.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// The reference's double-init class of bug came from conflating handle
	// construction with resource initialization; here both happen inside
	// this one constructor call, under the caller's own once-per-process
	// discipline (see New in app.go).
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database handle is still reachable, for /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- File operations (C3) ---

// AddFile inserts a new File row. A duplicate file_id fails with the
// driver's unique-constraint error, returned unchanged; C7's id
// generation checks for collisions beforehand with FileExists.
func (s *Store) AddFile(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (file_id, filename, file_type, byte_size, uploaded_at, user_id,
			chunk_count, status, partition_name, content_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FileID, f.Filename, f.FileType, f.ByteSize, f.UploadedAt, f.UserID,
		f.ChunkCount, f.Status, f.PartitionName, f.ContentHash, f.Metadata)
	return err
}

// GetFile retrieves a file by ID, scoped to the owning user.
func (s *Store) GetFile(ctx context.Context, fileID, userID string) (*File, error) {
	f := &File{}
	var uploadedAt time.Time
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, filename, file_type, byte_size, uploaded_at, user_id,
			chunk_count, status, partition_name, content_hash, metadata
		FROM files WHERE file_id = ? AND user_id = ?
	`, fileID, userID).Scan(&f.FileID, &f.Filename, &f.FileType, &f.ByteSize, &uploadedAt,
		&f.UserID, &f.ChunkCount, &f.Status, &f.PartitionName, &f.ContentHash, &metadata)
	if err != nil {
		return nil, err
	}
	f.UploadedAt = uploadedAt
	f.Metadata = metadata.String
	return f, nil
}

// FileExists reports whether a candidate file_id is already taken, for the
// collision check in §4.1 step 2.
func (s *Store) FileExists(ctx context.Context, fileID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM files WHERE file_id = ?", fileID).Scan(&n)
	return n > 0, err
}

// ListFiles returns all files owned by a user, most recent first.
func (s *Store) ListFiles(ctx context.Context, userID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, filename, file_type, byte_size, uploaded_at, user_id,
			chunk_count, status, partition_name, content_hash, metadata
		FROM files WHERE user_id = ? ORDER BY uploaded_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var uploadedAt time.Time
		var metadata sql.NullString
		if err := rows.Scan(&f.FileID, &f.Filename, &f.FileType, &f.ByteSize, &uploadedAt,
			&f.UserID, &f.ChunkCount, &f.Status, &f.PartitionName, &f.ContentHash, &metadata); err != nil {
			return nil, err
		}
		f.UploadedAt = uploadedAt
		f.Metadata = metadata.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateStatus updates a file's indexing status.
func (s *Store) UpdateStatus(ctx context.Context, fileID, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE files SET status = ? WHERE file_id = ?", status, fileID)
	return err
}

// UpdateChunkCount sets the final chunk_count once ingestion completes.
func (s *Store) UpdateChunkCount(ctx context.Context, fileID string, n int) error {
	_, err := s.db.ExecContext(ctx, "UPDATE files SET chunk_count = ? WHERE file_id = ?", n, fileID)
	return err
}

// DeleteFile removes a file and cascades to its chunks (§3 Lifecycle). The
// caller is still responsible for dropping the Vector Index partition.
func (s *Store) DeleteFile(ctx context.Context, fileID, userID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE file_id = ? AND user_id = ?", fileID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID)
		return err
	})
}

// --- Chunk operations ---

// AddChunks bulk-inserts chunk rows for a file.
func (s *Store) AddChunks(ctx context.Context, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (file_id, chunk_index, level, content, char_start, char_end,
				content_hash, word_count, position_ratio, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.FileID, c.ChunkIndex, c.Level, c.Content,
				c.CharStart, c.CharEnd, c.ContentHash, c.WordCount, c.PositionRatio, c.Metadata); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChunksByFile returns every chunk of a file, ordered by chunk_index.
func (s *Store) GetChunksByFile(ctx context.Context, fileID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, chunk_index, level, content, char_start, char_end,
			content_hash, word_count, position_ratio, metadata
		FROM chunks WHERE file_id = ? ORDER BY chunk_index
	`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.FileID, &c.ChunkIndex, &c.Level, &c.Content, &c.CharStart,
			&c.CharEnd, &c.ContentHash, &c.WordCount, &c.PositionRatio, &metadata); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunk returns a single chunk by its (file_id, chunk_index) identity,
// used by the Retriever to attach content to a vector-only hit. Returns
// sql.ErrNoRows if no such chunk exists.
func (s *Store) GetChunk(ctx context.Context, fileID string, chunkIndex int) (*Chunk, error) {
	var c Chunk
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, chunk_index, level, content, char_start, char_end,
			content_hash, word_count, position_ratio, metadata
		FROM chunks WHERE file_id = ? AND chunk_index = ?
	`, fileID, chunkIndex).Scan(&c.FileID, &c.ChunkIndex, &c.Level, &c.Content, &c.CharStart,
		&c.CharEnd, &c.ContentHash, &c.WordCount, &c.PositionRatio, &metadata)
	if err != nil {
		return nil, err
	}
	c.Metadata = metadata.String
	return &c, nil
}

// FTSSearch performs BM25 full-text search restricted to the given file
// ids, the text half of the Retriever's hybrid search (§4.3).
func (s *Store) FTSSearch(ctx context.Context, query string, fileIDs []string, limit int) ([]RetrievalResult, error) {
	if len(fileIDs) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := repeatPlaceholders(len(fileIDs) - 1)
	args := make([]any, 0, len(fileIDs)+2)
	args = append(args, query)
	for _, id := range fileIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT c.file_id, c.chunk_index, c.content, f.rank, c.metadata
		FROM chunks_fts f
		JOIN chunks c ON c.rowid = f.rowid
		WHERE chunks_fts MATCH ? AND c.file_id IN (?%s)
		ORDER BY f.rank
		LIMIT ?
	`, placeholders)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		var metadata sql.NullString
		if err := rows.Scan(&r.FileID, &r.ChunkIndex, &r.Content, &rank, &metadata); err != nil {
			return nil, err
		}
		r.Score = -rank // FTS5 rank is negative (lower = better)
		r.Metadata = metadata.String
		results = append(results, r)
	}
	return results, rows.Err()
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// --- Session operations (C4) ---

// EnsureSession creates the session row if it does not already exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, sessionID, userID, time.Now().UTC())
	return err
}

// AppendMessage appends one message to a session's transcript. Messages
// are ordered by their autoincrement seq; neither the store nor the
// orchestrator serializes concurrent writes to one session.
func (s *Store) AppendMessage(ctx context.Context, m Message) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, m.SessionID, m.Role, m.Content, m.CreatedAt, m.Metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateMessageMetadata overwrites a message's metadata column in place,
// used by the orchestrator to attach expansion sub-questions to the user
// message once §4.2 completes, without re-ordering the transcript.
func (s *Store) UpdateMessageMetadata(ctx context.Context, seq int64, metadata string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET metadata = ? WHERE seq = ?", metadata, seq)
	return err
}

// GetMessages returns a session's messages in insertion order.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := `SELECT seq, session_id, role, content, created_at, metadata FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt time.Time
		var metadata sql.NullString
		if err := rows.Scan(&m.Seq, &m.SessionID, &m.Role, &m.Content, &createdAt, &metadata); err != nil {
			return nil, err
		}
		m.CreatedAt = createdAt
		m.Metadata = metadata.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	return err
}
