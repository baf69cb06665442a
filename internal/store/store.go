// Package store provides a persistent, case-insensitive chat repository:
// an indexed SQLite-backed table of chat messages with a many-to-many
// topic relation and recency-ordered, multi-topic AND queries.
//
// Migration design follows rustyguts-bken/server/store: SQL statements are
// kept in the [migrations] slice as ordered strings, each applied exactly
// once and tracked in a schema_migrations table. To change the schema,
// append a new migration — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnknownRoom is returned by Query when countRoom(room) == 0, matching
// the BAD_ROOM classification the server protocol engine surfaces.
var ErrUnknownRoom = errors.New("store: unknown room")

// ErrUnknownTopic is returned by Query when countTopic(topic) == 0 for any
// queried topic, matching the BAD_TOPIC classification.
var ErrUnknownTopic = errors.New("store: unknown topic")

// maxCachedQueryTopics bounds the prepared-statement cache for the N-topic
// join query: nTopics in [0,3] inclusive are cached; 4 or more topics
// build (and finalize) a statement per call instead of growing the cache
// without bound. See DESIGN.md for the reasoning behind this cutoff.
const maxCachedQueryTopics = 4

// Message is one stored chat message together with its topic set in
// first-occurrence insertion order.
type Message struct {
	ID        int64
	User      string
	Room      string
	Message   string
	Topics    []string
	CreatedAt time.Time
}

// Store is a handle to one chat database. A Store must not be shared
// across a fork/exec boundary — each process must open its own handle.
type Store struct {
	db *sql.DB

	mu      sync.Mutex // serializes writes and protects lastErr/queryCache
	lastErr string

	roomCountStmt  *sql.Stmt
	topicCountStmt *sql.Stmt
	addChatStmt    *sql.Stmt
	addTopicStmt   *sql.Stmt
	topicsForChat  *sql.Stmt
	queryCache     map[int]*sql.Stmt // nTopics -> prepared statement, for nTopics < maxCachedQueryTopics
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user       TEXT NOT NULL,
		room       TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chats_room_idx ON chats(room)`,
	`CREATE TABLE IF NOT EXISTS topics (
		chat_id INTEGER NOT NULL REFERENCES chats(id),
		topic   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS topics_topic_idx ON topics(topic)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS topics_chat_topic_uidx ON topics(chat_id, topic)`,
	`PRAGMA journal_mode=WAL`,
}

// New opens (or creates) a Store backed by the sqlite file at path. An
// empty path opens a transient in-memory database.
func New(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection per process sidesteps SQLITE_BUSY races between the
	// prepared statement cache and concurrent writers; sessions serialize
	// through s.mu instead.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, queryCache: make(map[int]*sql.Stmt)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareCommon(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var applied int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("store: migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("store: record migration %d: %w", i+1, err)
		}
	}
	return nil
}

const (
	roomCountSQL  = `SELECT COUNT(*) FROM chats WHERE room = lower(?)`
	topicCountSQL = `SELECT COUNT(*) FROM topics WHERE topic = lower(?)`
	addChatSQL    = `INSERT INTO chats (user, room, message, created_at) VALUES (lower(?), lower(?), ?, ?)`
	addTopicSQL   = `INSERT INTO topics (chat_id, topic) VALUES (?, lower(?))`
	// rowid ordering (not "ORDER BY topic") preserves first-occurrence
	// insertion order.
	topicsForChatSQL = `SELECT topic FROM topics WHERE chat_id = ? ORDER BY rowid ASC`
)

func (s *Store) prepareCommon() error {
	var err error
	if s.roomCountStmt, err = s.db.Prepare(roomCountSQL); err != nil {
		return fmt.Errorf("store: prepare room count: %w", err)
	}
	if s.topicCountStmt, err = s.db.Prepare(topicCountSQL); err != nil {
		return fmt.Errorf("store: prepare topic count: %w", err)
	}
	if s.addChatStmt, err = s.db.Prepare(addChatSQL); err != nil {
		return fmt.Errorf("store: prepare add chat: %w", err)
	}
	if s.addTopicStmt, err = s.db.Prepare(addTopicSQL); err != nil {
		return fmt.Errorf("store: prepare add topic: %w", err)
	}
	if s.topicsForChat, err = s.db.Prepare(topicsForChatSQL); err != nil {
		return fmt.Errorf("store: prepare topics for chat: %w", err)
	}
	return nil
}

// Close releases all resources held by the Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.queryCache {
		stmt.Close()
	}
	return s.db.Close()
}

// LastError returns the most recently recorded opaque error message, or ""
// if none has occurred.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// setLastError records err as the most recent error message and returns it.
// Callers must hold s.mu.
func (s *Store) setLastError(err error) error {
	s.lastErr = err.Error()
	return err
}

// dedupTopics lower-cases and deduplicates topics, preserving the order of
// first occurrence.
func dedupTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		lt := strings.ToLower(t)
		if seen[lt] {
			continue
		}
		seen[lt] = true
		out = append(out, lt)
	}
	return out
}

// Add atomically inserts one chat message and its deduplicated topic set.
// createdAt is the server's current millisecond-resolution clock.
func (s *Store) Add(user, room, message string, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics = dedupTopics(topics)
	createdAt := time.Now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return s.setLastError(fmt.Errorf("store: begin add: %w", err))
	}

	res, err := tx.Stmt(s.addChatStmt).Exec(user, room, message, createdAt)
	if err != nil {
		tx.Rollback()
		return s.setLastError(fmt.Errorf("store: insert chat: %w", err))
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return s.setLastError(fmt.Errorf("store: chat insert id: %w", err))
	}

	addTopic := tx.Stmt(s.addTopicStmt)
	for _, topic := range topics {
		if _, err := addTopic.Exec(chatID, topic); err != nil {
			tx.Rollback()
			return s.setLastError(fmt.Errorf("store: insert topic %q: %w", topic, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return s.setLastError(fmt.Errorf("store: commit add: %w", err))
	}
	return nil
}

// CountRoom returns the number of messages whose room matches room
// case-insensitively.
func (s *Store) CountRoom(room string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.roomCountStmt.QueryRow(room).Scan(&n); err != nil {
		return 0, s.setLastError(fmt.Errorf("store: count room: %w", err))
	}
	return n, nil
}

// CountTopic returns the number of messages associated with topic
// case-insensitively.
func (s *Store) CountTopic(topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.topicCountStmt.QueryRow(topic).Scan(&n); err != nil {
		return 0, s.setLastError(fmt.Errorf("store: count topic: %w", err))
	}
	return n, nil
}

// chatsQuerySQL builds the self-join query for nTopics topic constraints:
// one "topics" alias per constrained topic, joined to chats on chat_id and
// filtered by topic and room, most recent first.
func chatsQuerySQL(nTopics int) string {
	var b strings.Builder
	b.WriteString("SELECT user, room, message, created_at, id FROM ")
	for i := 0; i < nTopics; i++ {
		fmt.Fprintf(&b, "topics T%d, ", i)
	}
	b.WriteString("chats WHERE ")
	for i := 0; i < nTopics; i++ {
		fmt.Fprintf(&b, "T%d.chat_id = id AND T%d.topic = lower(?) AND ", i, i)
	}
	b.WriteString("room = lower(?) ORDER BY id DESC LIMIT ?")
	return b.String()
}

// chatsQueryStmt returns a prepared statement for nTopics topic
// constraints, using the cache for nTopics < maxCachedQueryTopics and
// preparing (then later finalizing) a one-off statement otherwise.
func (s *Store) chatsQueryStmt(nTopics int) (stmt *sql.Stmt, cached bool, err error) {
	if nTopics < maxCachedQueryTopics {
		if cachedStmt, ok := s.queryCache[nTopics]; ok {
			return cachedStmt, true, nil
		}
		prepared, err := s.db.Prepare(chatsQuerySQL(nTopics))
		if err != nil {
			return nil, false, err
		}
		s.queryCache[nTopics] = prepared
		return prepared, true, nil
	}
	prepared, err := s.db.Prepare(chatsQuerySQL(nTopics))
	if err != nil {
		return nil, false, err
	}
	return prepared, false, nil
}

// Query invokes sink once per message in room carrying every topic in
// topics (AND, case-insensitive, duplicates ignored), most recent first,
// up to limit results. If sink returns false, iteration stops early.
//
// Query classifies unknown rooms/topics itself via CountRoom/CountTopic
// before running the join, returning ErrUnknownRoom/ErrUnknownTopic so
// every server loop (TCP, pipe, FIFO, shm) gets the same classification
// without duplicating the count-then-query sequence.
func (s *Store) Query(room string, topics []string, limit int, sink func(Message) bool) error {
	topics = dedupTopics(topics)

	if n, err := s.CountRoom(room); err != nil {
		return err
	} else if n == 0 {
		return ErrUnknownRoom
	}
	for _, topic := range topics {
		n, err := s.CountTopic(topic)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUnknownTopic
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, cached, err := s.chatsQueryStmt(len(topics))
	if err != nil {
		return s.setLastError(fmt.Errorf("store: prepare query: %w", err))
	}
	if !cached {
		defer stmt.Close()
	}

	args := make([]any, 0, len(topics)+2)
	for _, t := range topics {
		args = append(args, t)
	}
	args = append(args, room, limit)

	rows, err := stmt.Query(args...)
	if err != nil {
		return s.setLastError(fmt.Errorf("store: run query: %w", err))
	}

	// The connection pool is capped at one connection (see New), so the
	// nested per-chat topic lookup below must not run while rows is still
	// open: a second Query on the same *sql.DB would block forever waiting
	// for a connection the first Query is holding. Collect every matched
	// chat first, close rows, and only then look up topics per chat.
	var msgs []Message
	for rows.Next() {
		var (
			user, roomCol, message string
			createdAtMs            int64
			id                     int64
		)
		if err := rows.Scan(&user, &roomCol, &message, &createdAtMs, &id); err != nil {
			rows.Close()
			return s.setLastError(fmt.Errorf("store: scan chat row: %w", err))
		}
		msgs = append(msgs, Message{
			ID:        id,
			User:      user,
			Room:      roomCol,
			Message:   message,
			CreatedAt: time.UnixMilli(createdAtMs),
		})
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return s.setLastError(fmt.Errorf("store: iterate chat rows: %w", rowsErr))
	}

	for _, msg := range msgs {
		topicRows, err := s.topicsForChat.Query(msg.ID)
		if err != nil {
			return s.setLastError(fmt.Errorf("store: query topics for chat %d: %w", msg.ID, err))
		}
		var msgTopics []string
		for topicRows.Next() {
			var topic string
			if err := topicRows.Scan(&topic); err != nil {
				topicRows.Close()
				return s.setLastError(fmt.Errorf("store: scan topic row: %w", err))
			}
			msgTopics = append(msgTopics, topic)
		}
		topicRowsErr := topicRows.Err()
		topicRows.Close()
		if topicRowsErr != nil {
			return s.setLastError(fmt.Errorf("store: iterate topics for chat %d: %w", msg.ID, topicRowsErr))
		}
		msg.Topics = msgTopics

		if !sink(msg) {
			break
		}
	}
	return nil
}
