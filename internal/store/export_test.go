package store

import "time"

// SetNow replaces the clock used to stamp session records.
func (s *SQLiteStore) SetNow(now func() time.Time) { s.now = now }
