package store

import "database/sql"

// SaveViewState persists UI-resumption data (scroll position, filters)
// under a key for this user.
func (s *Store) SaveViewState(key string, value []byte) error {
	now := s.now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO app_state (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.userID, key, value, now)
	return err
}

// ViewState returns saved UI state, or (nil, nil) when none exists.
func (s *Store) ViewState(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM app_state WHERE user_id = ? AND key = ?`,
		s.userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
