package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/chatdrive/chatdrive/internal/transport"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// snapshotLoop writes snapshots at the configured interval until Close.
func (s *Service) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				s.log.Error("memory transport snapshot failed", "path", s.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores service state from the snapshot file. A missing
// file is a fresh start.
func (s *Service) loadSnapshot() error {
	if _, err := os.Stat(s.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", s.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('accounts', 'auth_keys', 'messages', 'counters')`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount < 4 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := db.Query("SELECT phone, code, password FROM accounts")
	if err != nil {
		return fmt.Errorf("querying accounts: %w", err)
	}
	for rows.Next() {
		var phone, code, password string
		if err := rows.Scan(&phone, &code, &password); err != nil {
			rows.Close()
			return fmt.Errorf("scanning account row: %w", err)
		}
		s.accounts[phone] = newAccount(phone, code, password)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating account rows: %w", err)
	}
	rows.Close()

	rows, err = db.Query("SELECT auth_key, phone FROM auth_keys")
	if err != nil {
		return fmt.Errorf("querying auth keys: %w", err)
	}
	for rows.Next() {
		var key, phone string
		if err := rows.Scan(&key, &phone); err != nil {
			rows.Close()
			return fmt.Errorf("scanning auth key row: %w", err)
		}
		s.authKeys[key] = phone
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating auth key rows: %w", err)
	}
	rows.Close()

	rows, err = db.Query("SELECT id, phone, caption, name, data, has_media FROM messages")
	if err != nil {
		return fmt.Errorf("querying messages: %w", err)
	}
	for rows.Next() {
		var (
			id            int64
			phone         string
			caption, name string
			data          []byte
			hasMedia      bool
		)
		if err := rows.Scan(&id, &phone, &caption, &name, &data, &hasMedia); err != nil {
			rows.Close()
			return fmt.Errorf("scanning message row: %w", err)
		}
		a, ok := s.accounts[phone]
		if !ok {
			continue
		}
		mid := transport.MessageID(id)
		a.Messages[mid] = &message{ID: mid, Caption: caption, Name: name, Data: data, HasMedia: hasMedia}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating message rows: %w", err)
	}
	rows.Close()

	var next int64
	if err := db.QueryRow("SELECT value FROM counters WHERE name = 'next_message_id'").Scan(&next); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading message counter: %w", err)
	}
	s.nextID = transport.MessageID(next)
	return nil
}

// snapshotState is a consistent copy of the service taken under s.mu.
type snapshotState struct {
	accounts []*account
	messages map[string][]*message
	authKeys map[string]string
	nextID   transport.MessageID
}

func (s *Service) copyState() snapshotState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := snapshotState{
		messages: make(map[string][]*message, len(s.accounts)),
		authKeys: make(map[string]string, len(s.authKeys)),
		nextID:   s.nextID,
	}
	phones := make([]string, 0, len(s.accounts))
	for p := range s.accounts {
		phones = append(phones, p)
	}
	slices.Sort(phones)
	for _, p := range phones {
		a := s.accounts[p]
		st.accounts = append(st.accounts, &account{Phone: a.Phone, Code: a.Code, Password: a.Password})
		for _, id := range sortedIDs(a.Messages) {
			m := *a.Messages[id]
			st.messages[p] = append(st.messages[p], &m)
		}
	}
	for k, v := range s.authKeys {
		st.authKeys[k] = v
	}
	return st
}

// writeSnapshot writes the service state to a temporary SQLite file and
// renames it over the snapshot path.
func (s *Service) writeSnapshot() error {
	st := s.copyState()

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	if err := writeSnapshotFile(tmpPath, st); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

func writeSnapshotFile(path string, st snapshotState) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer db.Close()

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE accounts (
			phone    TEXT PRIMARY KEY,
			code     TEXT NOT NULL,
			password TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE auth_keys (
			auth_key TEXT PRIMARY KEY,
			phone    TEXT NOT NULL
		);

		CREATE TABLE messages (
			id        INTEGER PRIMARY KEY,
			phone     TEXT NOT NULL,
			caption   TEXT NOT NULL DEFAULT '',
			name      TEXT NOT NULL DEFAULT '',
			data      BLOB,
			has_media INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range st.accounts {
		if _, err := tx.Exec("INSERT INTO accounts (phone, code, password) VALUES (?, ?, ?)", a.Phone, a.Code, a.Password); err != nil {
			return fmt.Errorf("inserting account %q: %w", a.Phone, err)
		}
		for _, m := range st.messages[a.Phone] {
			if _, err := tx.Exec("INSERT INTO messages (id, phone, caption, name, data, has_media) VALUES (?, ?, ?, ?, ?, ?)",
				int64(m.ID), a.Phone, m.Caption, m.Name, m.Data, m.HasMedia); err != nil {
				return fmt.Errorf("inserting message %d: %w", m.ID, err)
			}
		}
	}
	for key, phone := range st.authKeys {
		if _, err := tx.Exec("INSERT INTO auth_keys (auth_key, phone) VALUES (?, ?)", key, phone); err != nil {
			return fmt.Errorf("inserting auth key: %w", err)
		}
	}
	if _, err := tx.Exec("INSERT INTO counters (name, value) VALUES ('next_message_id', ?)", int64(st.nextID)); err != nil {
		return fmt.Errorf("inserting message counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot transaction: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}
	return nil
}
