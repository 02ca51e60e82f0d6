package engines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/zhishengyuan/searchgram-index/analysis"
	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY,
	url       TEXT NOT NULL UNIQUE,
	content   TEXT NOT NULL,
	chat_id   INTEGER NOT NULL,
	post_time INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_post_time ON messages(post_time DESC, url);

-- tokens holds the analyzer terms of content joined by spaces; rowid is messages.id
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	tokens,
	tokenize='unicode61 remove_diacritics 0'
);
`

// SQLiteEngine implements Engine on an SQLite database with an FTS5 table.
// Content is tokenized by the configured analyzer before it reaches FTS5, so every
// analyzer behaves the same way here as in bleve.
type SQLiteEngine struct {
	writeMu   sync.Mutex
	lifecycle sync.RWMutex
	db        *sql.DB
	path      string
	analyzer  *analysis.Analyzer
	closed    bool
}

// NewSQLite opens the database <location>/<name>.db or creates it
func NewSQLite(ctx context.Context, location, name string, analyzer *analysis.Analyzer) (*SQLiteEngine, error) {
	e := &SQLiteEngine{
		path:     filepath.Join(location, name+".db"),
		analyzer: analyzer,
	}
	db, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	e.db = db
	return e, nil
}

func (e *SQLiteEngine) open(ctx context.Context) (*sql.DB, error) {
	_, statErr := os.Stat(e.path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	db, err := sql.Open("sqlite", e.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if fresh {
		err = e.initSchema(ctx, db)
	} else {
		err = e.checkSchema(ctx, db)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"path":    e.path,
		"created": fresh,
	}).Info("Opened sqlite index")
	return db, nil
}

func (e *SQLiteEngine) initSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('schema', ?)`,
		schemaSignature(e.analyzer)); err != nil {
		return fmt.Errorf("failed to record schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) checkSchema(ctx context.Context, db *sql.DB) error {
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM schema_info WHERE key = 'schema'`).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("%w: %s carries no index schema", ErrSchemaMismatch, e.path)
		}
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if want := schemaSignature(e.analyzer); stored != want {
		return fmt.Errorf("%w: index has %q, want %q", ErrSchemaMismatch, stored, want)
	}
	return nil
}

// Name implements Engine.
func (e *SQLiteEngine) Name() string {
	return TypeSQLite
}

// Location implements Engine.
func (e *SQLiteEngine) Location() string {
	return e.path
}

// Begin implements Engine.
func (e *SQLiteEngine) Begin(ctx context.Context) (Session, error) {
	e.writeMu.Lock()

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		e.writeMu.Unlock()
		return nil, ErrClosed
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.writeMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteSession{engine: e, tx: tx}, nil
}

// Lookup implements Engine.
func (e *SQLiteEngine) Lookup(ctx context.Context, url string) (*models.Message, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	return lookupRow(e.db.QueryRowContext(ctx,
		`SELECT url, content, chat_id, post_time FROM messages WHERE url = ?`, url))
}

// Search implements Engine. The count and the page are read inside one transaction so
// both see the same snapshot.
func (e *SQLiteEngine) Search(ctx context.Context, r *Request) (*Page, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	where, args, err := toSQLWhere(r.Query)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}

	page := &Page{Total: total, Messages: []*models.Message{}}
	if total == 0 || r.Offset >= total {
		return page, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT m.url, m.content, m.chat_id, m.post_time FROM messages m WHERE `+where+
			` ORDER BY m.post_time DESC, m.url LIMIT ? OFFSET ?`,
		append(args, r.Limit, r.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	return page, nil
}

// Enumerate implements Engine.
func (e *SQLiteEngine) Enumerate(ctx context.Context, fn func(*models.Message) error) error {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return ErrClosed
	}

	rows, err := e.db.QueryContext(ctx, `SELECT url, content, chat_id, post_time FROM messages ORDER BY url`)
	if err != nil {
		return fmt.Errorf("failed to enumerate documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to enumerate documents: %w", err)
	}
	return nil
}

// Stats implements Engine.
func (e *SQLiteEngine) Stats(ctx context.Context) (*models.Stats, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	var count int64
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var size int64
	for _, p := range e.files() {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to measure index size: %w", err)
		}
		size += info.Size()
	}

	return &models.Stats{
		Engine:    TypeSQLite,
		Location:  e.path,
		Documents: count,
		SizeBytes: size,
	}, nil
}

// Reset implements Engine.
func (e *SQLiteEngine) Reset(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	for _, p := range e.files() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.closed = true
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	db, err := e.open(ctx)
	if err != nil {
		e.closed = true
		return err
	}
	e.db = db

	log.WithField("path", e.path).Info("Reset sqlite index")
	return nil
}

// Close implements Engine.
func (e *SQLiteEngine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *SQLiteEngine) files() []string {
	return []string{e.path, e.path + "-wal", e.path + "-shm"}
}

type sqliteSession struct {
	engine *SQLiteEngine
	tx     *sql.Tx
	done   bool
}

func (s *sqliteSession) Get(ctx context.Context, url string) (*models.Message, error) {
	if s.done {
		return nil, ErrSessionDone
	}
	return lookupRow(s.tx.QueryRowContext(ctx,
		`SELECT url, content, chat_id, post_time FROM messages WHERE url = ?`, url))
}

func (s *sqliteSession) Put(ctx context.Context, msg *models.Message) error {
	if s.done {
		return ErrSessionDone
	}
	if err := CheckPostTime(msg.PostTime); err != nil {
		return err
	}

	var id int64
	err := s.tx.QueryRowContext(ctx, `
		INSERT INTO messages (url, content, chat_id, post_time) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			content = excluded.content,
			chat_id = excluded.chat_id,
			post_time = excluded.post_time
		RETURNING id`,
		msg.URL, msg.Content, msg.ChatID, msg.PostTime.UnixNano()).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", msg.URL, err)
	}

	if _, err := s.tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("failed to replace tokens of %s: %w", msg.URL, err)
	}
	tokens := strings.Join(s.engine.analyzer.Terms(msg.Content), " ")
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO messages_fts (rowid, tokens) VALUES (?, ?)`, id, tokens); err != nil {
		return fmt.Errorf("failed to index tokens of %s: %w", msg.URL, err)
	}
	return nil
}

func (s *sqliteSession) Create(ctx context.Context, msg *models.Message) error {
	return createIfAbsent(ctx, s, msg)
}

func (s *sqliteSession) Delete(ctx context.Context, url string) error {
	if s.done {
		return ErrSessionDone
	}

	var id int64
	err := s.tx.QueryRowContext(ctx, `DELETE FROM messages WHERE url = ? RETURNING id`, url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", url, err)
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete tokens of %s: %w", url, err)
	}
	return nil
}

func (s *sqliteSession) Commit(ctx context.Context) error {
	if s.done {
		return ErrSessionDone
	}
	s.done = true
	defer s.engine.writeMu.Unlock()

	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqliteSession) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	defer s.engine.writeMu.Unlock()
	return s.tx.Rollback()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg   models.Message
		nanos int64
	)
	if err := row.Scan(&msg.URL, &msg.Content, &msg.ChatID, &nanos); err != nil {
		return nil, err
	}
	msg.PostTime = time.Unix(0, nanos).UTC()
	return &msg, nil
}

func lookupRow(row *sql.Row) (*models.Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}
	return msg, nil
}

// toSQLWhere translates a query tree into a WHERE clause over messages aliased as m
func toSQLWhere(q query.Query) (string, []any, error) {
	switch n := q.(type) {
	case query.Term:
		return ftsMatch([]string{n.Text})
	case query.Phrase:
		return ftsMatch(n.Terms)
	case query.Int:
		if n.Field != models.FieldChatID {
			return "", nil, fmt.Errorf("unsupported integer field %q", n.Field)
		}
		return "m.chat_id = ?", []any{n.Value}, nil
	case query.And:
		return joinSQL(n.Clauses, " AND ")
	case query.Or:
		return joinSQL(n.Clauses, " OR ")
	case query.Not:
		where, args, err := toSQLWhere(n.Clause)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + where + ")", args, nil
	case query.MatchAll:
		return "1", nil, nil
	case query.MatchNone:
		return "0", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported query node %T", q)
	}
}

func joinSQL(clauses []query.Query, sep string) (string, []any, error) {
	parts := make([]string, 0, len(clauses))
	var args []any
	for _, c := range clauses {
		where, a, err := toSQLWhere(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, where)
		args = append(args, a...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

// ftsMatch matches documents holding terms as consecutive tokens. FTS5 treats a
// double-quoted string as a phrase; embedded quotes are doubled.
func ftsMatch(terms []string) (string, []any, error) {
	if !searchable(terms) {
		return "0", nil, nil
	}
	phrase := `"` + strings.ReplaceAll(strings.Join(terms, " "), `"`, `""`) + `"`
	return "m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)", []any{phrase}, nil
}

// searchable reports whether every term keeps at least one token under unicode61
func searchable(terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	for _, t := range terms {
		if strings.IndexFunc(t, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) < 0 {
			return false
		}
	}
	return true
}
