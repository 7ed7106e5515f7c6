package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT,
			topic TEXT,
			success INTEGER,
			reason TEXT,
			status_code INTEGER,
			apns_id TEXT,
			duration_ms INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_token ON deliveries(token);`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT,
			role TEXT
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("error creating schema: %v", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Settings

// LoadSettings starts from DefaultSettings and overrides every key that has
// been saved.
func (s *SQLiteStore) LoadSettings() (*Settings, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := DefaultSettings()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings.set(key, value)
	}
	return settings, rows.Err()
}

func (st *Settings) set(key, value string) {
	switch key {
	case KeyConnectionMode:
		st.ConnectionMode = value
	case KeyP8File:
		st.P8File = value
	case KeyKeyID:
		st.KeyID = value
	case KeyTeamID:
		st.TeamID = value
	case KeyCertificateFile:
		st.CertificateFile = value
	case KeyDeviceTokens:
		var entries []string
		if err := json.Unmarshal([]byte(value), &entries); err != nil {
			log.Printf("[Store] Ignoring malformed device token list: %v", err)
			return
		}
		st.DeviceTokens = entries
	case KeyPriority:
		if p, err := strconv.Atoi(value); err == nil {
			st.Priority = p
		}
	case KeyCollapseID:
		st.CollapseID = value
	case KeyTopic:
		st.Topic = value
	case KeyPayloadType:
		st.PayloadType = value
	case KeyAPIPath:
		st.APIPath = value
	case KeyPayload:
		st.Payload = value
	}
}

func (st *Settings) values() (map[string]string, error) {
	tokens := st.DeviceTokens
	if tokens == nil {
		tokens = []string{}
	}
	encoded, err := json.Marshal(tokens)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		KeyConnectionMode:  st.ConnectionMode,
		KeyP8File:          st.P8File,
		KeyKeyID:           st.KeyID,
		KeyTeamID:          st.TeamID,
		KeyCertificateFile: st.CertificateFile,
		KeyDeviceTokens:    string(encoded),
		KeyPriority:        strconv.Itoa(st.Priority),
		KeyCollapseID:      st.CollapseID,
		KeyTopic:           st.Topic,
		KeyPayloadType:     st.PayloadType,
		KeyAPIPath:         st.APIPath,
		KeyPayload:         st.Payload,
	}, nil
}

// SaveSettings writes every key in one transaction.
func (s *SQLiteStore) SaveSettings(settings *Settings) error {
	values, err := settings.values()
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for key, value := range values {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Deliveries

func (s *SQLiteStore) RecordDelivery(d Delivery) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO deliveries (token, topic, success, reason, status_code, apns_id, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Token, d.Topic, d.Success, d.Reason, d.StatusCode, d.APNsID, d.DurationMS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentDeliveries returns up to limit deliveries, oldest first.
func (s *SQLiteStore) RecentDeliveries(limit int) ([]Delivery, error) {
	// Fetch newest first to respect limit
	query := `SELECT id, token, topic, success, reason, status_code, apns_id, duration_ms, created_at
		FROM deliveries ORDER BY id DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Token, &d.Topic, &d.Success, &d.Reason, &d.StatusCode, &d.APNsID, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(deliveries)-1; i < j; i, j = i+1, j-1 {
		deliveries[i], deliveries[j] = deliveries[j], deliveries[i]
	}
	return deliveries, nil
}

func (s *SQLiteStore) GetDeliveryCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT count(*) FROM deliveries`).Scan(&count)
	return count, err
}

// Users
func (s *SQLiteStore) CreateUser(username, passwordHash, role string) error {
	_, err := s.db.Exec(`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`, username, passwordHash, role)
	return err
}

func (s *SQLiteStore) GetUser(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(`SELECT username, password_hash, role FROM users WHERE username = ?`, username).Scan(&u.Username, &u.PasswordHash, &u.Role)
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) HasAdminUser() (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE role = 'admin')`).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) UpdateUserRole(username, role string) error {
	_, err := s.db.Exec(`UPDATE users SET role = ? WHERE username = ?`, role, username)
	return err
}
