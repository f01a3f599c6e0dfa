package store

import "database/sql"

// GetCursor returns the saved cursor for a source, or "" if none exists.
func (s *Store) GetCursor(source string) (string, error) {
	var cursor string
	err := s.conn.QueryRow(
		"SELECT cursor FROM source_cursors WHERE source = ?", source,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// SetCursor saves a source's cursor so the next run resumes where this one
// stopped.
func (s *Store) SetCursor(source, cursor string) error {
	_, err := s.conn.Exec(
		`INSERT INTO source_cursors (source, cursor) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = datetime('now')`,
		source, cursor,
	)
	return err
}
