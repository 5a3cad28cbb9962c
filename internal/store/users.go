package store

import (
	"database/sql"
	"time"
)

const upsertUserSQL = `
	INSERT INTO users (id, name, email, avatar_url, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
		email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
		avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
		updated_at = excluded.updated_at`

// UpsertUser inserts or updates a user. Blank fields keep their stored value.
func (db *DB) UpsertUser(u *User) error {
	_, err := db.Exec(upsertUserSQL, u.ID, u.Name, u.Email, u.AvatarURL, time.Now().UnixMilli())
	return err
}

// GetUser returns a user by id, or nil when it is unknown.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, name, email, avatar_url FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetState stores a sync checkpoint value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// State reads a sync checkpoint value; missing keys read as "".
func (db *DB) State(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
