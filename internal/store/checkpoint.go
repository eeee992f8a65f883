package store

import "database/sql"

// SetCheckpoint updates a sync checkpoint value (e.g. the newest message
// timestamp seen for a conversation) so refreshes stay bounded.
func (s *Store) SetCheckpoint(key, value string) error {
	now := s.now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO sync_state (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.userID, key, value, now)
	return err
}

// Checkpoint retrieves a sync checkpoint value, or "" when unset.
func (s *Store) Checkpoint(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_state WHERE user_id = ? AND key = ?`,
		s.userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
