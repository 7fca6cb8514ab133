// stats/history.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package stats

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sessionsTableDDL = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_time INTEGER NOT NULL,
    mode TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    source_files INTEGER NOT NULL,
    source_size INTEGER NOT NULL,
    new_files INTEGER NOT NULL,
    deleted_files INTEGER NOT NULL,
    changed_files INTEGER NOT NULL,
    increment_files INTEGER NOT NULL,
    increment_size INTEGER NOT NULL,
    errors INTEGER NOT NULL
);
`

const fileErrorsTableDDL = `
CREATE TABLE IF NOT EXISTS file_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id),
    kind TEXT NOT NULL,
    path TEXT NOT NULL,
    message TEXT NOT NULL
);
`

// History keeps a SQLite record of every completed session.
type History struct {
	db *sql.DB
}

// SessionRow is one row of the session history.
type SessionRow struct {
	ID          int64
	SessionTime time.Time
	Mode        string
	Stats       SessionStats
}

func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, ddl := range []string{sessionsTableDDL, fileErrorsTableDDL} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// RecordSession adds a row for the session at t, along with its
// recoverable errors, and returns the row's id.
func (h *History) RecordSession(t time.Time, mode string, s *SessionStats, errs []*FileError) (int64, error) {
	tx, err := h.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO sessions (session_time, mode, start_time, end_time,
        source_files, source_size, new_files, deleted_files, changed_files,
        increment_files, increment_size, errors)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Unix(), mode, s.StartTime.Unix(), s.EndTime.Unix(), s.SourceFiles,
		s.SourceFileSize, s.NewFiles, s.DeletedFiles, s.ChangedFiles,
		s.IncrementFiles, s.IncrementFileSize, s.Errors)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO file_errors (session_id, kind, path, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, e := range errs {
		if _, err := stmt.Exec(id, e.Kind.String(), e.Index.String(), fmt.Sprint(e.Err)); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// DeleteSession removes the rows recorded for the session at t.
func (h *History) DeleteSession(t time.Time) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM file_errors WHERE session_id IN
        (SELECT id FROM sessions WHERE session_time = ?)`, t.Unix()); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE session_time = ?`, t.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// Sessions returns all recorded sessions, oldest first.
func (h *History) Sessions() ([]SessionRow, error) {
	rows, err := h.db.Query(`SELECT id, session_time, mode, start_time, end_time,
        source_files, source_size, new_files, deleted_files, changed_files,
        increment_files, increment_size, errors FROM sessions ORDER BY session_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var st, start, end int64
		s := &r.Stats
		if err := rows.Scan(&r.ID, &st, &r.Mode, &start, &end, &s.SourceFiles,
			&s.SourceFileSize, &s.NewFiles, &s.DeletedFiles, &s.ChangedFiles,
			&s.IncrementFiles, &s.IncrementFileSize, &s.Errors); err != nil {
			return nil, err
		}
		r.SessionTime = time.Unix(st, 0).UTC()
		s.StartTime, s.EndTime = time.Unix(start, 0), time.Unix(end, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrorCount returns the number of file errors recorded for a session.
func (h *History) ErrorCount(id int64) (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM file_errors WHERE session_id = ?`, id).Scan(&n)
	return n, err
}
