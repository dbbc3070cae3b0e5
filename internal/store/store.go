package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatsync/internal/chat"
)

// ErrEmailTaken is returned when registering an email that already exists.
var ErrEmailTaken = errors.New("email already registered")

// Store is the SQLite persistence layer behind the chat backend: users,
// conversations, and message history.
type Store struct {
	conn *sql.DB
}

// New opens (and if needed initializes) the database at path.
func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			username TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user1 INTEGER NOT NULL REFERENCES users(id),
			user2 INTEGER NOT NULL REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS texts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL REFERENCES chats(id),
			text TEXT NOT NULL,
			sent_by INTEGER NOT NULL REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_users ON chats(user1, user2)`,
		`CREATE INDEX IF NOT EXISTS idx_texts_chat ON texts(chat_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// CreateUser registers a new user with a hashed password. A duplicate
// email returns ErrEmailTaken.
func (s *Store) CreateUser(email, password, username string) error {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM users WHERE email = ?", email).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrEmailTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(
		"INSERT INTO users (email, password, username) VALUES (?, ?, ?)",
		email, string(hashed), username,
	)
	return err
}

// AuthenticateUser checks credentials and returns the user id when the
// password matches. A missing user or wrong password returns ok=false
// without an error.
func (s *Store) AuthenticateUser(email, password string) (int64, bool, error) {
	var id int64
	var hashed string
	err := s.conn.QueryRow("SELECT id, password FROM users WHERE email = ?", email).Scan(&id, &hashed)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// ListUsers returns every user except the given one.
func (s *Store) ListUsers(excludeID int64) ([]chat.Contact, error) {
	rows, err := s.conn.Query("SELECT id, username FROM users WHERE id != ?", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []chat.Contact
	for rows.Next() {
		var c chat.Contact
		if err := rows.Scan(&c.UserID, &c.Username); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// CreateOrGetChat resolves the conversation between two users in either
// order, creating it if absent.
func (s *Store) CreateOrGetChat(userID, peerID int64) (int64, error) {
	var id int64
	err := s.conn.QueryRow(
		"SELECT id FROM chats WHERE (user1 = ? AND user2 = ?) OR (user1 = ? AND user2 = ?)",
		userID, peerID, peerID, userID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	result, err := s.conn.Exec("INSERT INTO chats (user1, user2) VALUES (?, ?)", userID, peerID)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Text is one persisted message row, in the write API's shape.
type Text struct {
	Text   string `json:"text"`
	SentBy int64  `json:"sent_by"`
}

// SaveText persists one message in a conversation.
func (s *Store) SaveText(chatID, sentBy int64, text string) error {
	_, err := s.conn.Exec(
		"INSERT INTO texts (chat_id, text, sent_by) VALUES (?, ?, ?)",
		chatID, text, sentBy,
	)
	return err
}

// GetTexts returns a conversation's messages in insertion order.
func (s *Store) GetTexts(chatID int64) ([]Text, error) {
	rows, err := s.conn.Query("SELECT text, sent_by FROM texts WHERE chat_id = ? ORDER BY id ASC", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var texts []Text
	for rows.Next() {
		var t Text
		if err := rows.Scan(&t.Text, &t.SentBy); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}

	return texts, rows.Err()
}
