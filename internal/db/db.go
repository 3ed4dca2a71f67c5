package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("track not found")

// Track is one audio file in the music directory.
type Track struct {
	Name    string    `json:"name"`
	Format  string    `json:"format"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
	AddedAt time.Time `json:"added_at"`
}

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	d := &DB{conn: conn}
	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) init() error {
	_, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS tracks (
		name TEXT PRIMARY KEY,
		format TEXT NOT NULL,
		size INTEGER NOT NULL,
		mod_time DATETIME NOT NULL,
		added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create tracks table: %w", err)
	}
	return nil
}

// UpsertTrack records t, keeping the first added_at when the name is
// already known.
func (d *DB) UpsertTrack(t Track) error {
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now().UTC()
	}
	_, err := d.conn.Exec(`INSERT INTO tracks(name,format,size,mod_time,added_at) VALUES(?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET format=excluded.format, size=excluded.size, mod_time=excluded.mod_time`,
		t.Name, t.Format, t.Size, t.ModTime.UTC(), t.AddedAt)
	if err != nil {
		return fmt.Errorf("upsert track %s: %w", t.Name, err)
	}
	return nil
}

func (d *DB) DeleteTrack(name string) error {
	res, err := d.conn.Exec("DELETE FROM tracks WHERE name=?", name)
	if err != nil {
		return fmt.Errorf("delete track %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) GetTrack(name string) (*Track, error) {
	t := &Track{}
	err := d.conn.QueryRow("SELECT name,format,size,mod_time,added_at FROM tracks WHERE name=?", name).
		Scan(&t.Name, &t.Format, &t.Size, &t.ModTime, &t.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTracks returns every track ordered by name.
func (d *DB) ListTracks() ([]Track, error) {
	rows, err := d.conn.Query("SELECT name,format,size,mod_time,added_at FROM tracks ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracks := []Track{}
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.Name, &t.Format, &t.Size, &t.ModTime, &t.AddedAt); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// Reconcile makes the catalog hold exactly present. Rows for names not in
// present are removed; everything in present is upserted.
func (d *DB) Reconcile(present []Track) (added, removed int, err error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	known := map[string]bool{}
	rows, err := tx.Query("SELECT name FROM tracks")
	if err != nil {
		return 0, 0, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, 0, err
		}
		known[name] = true
	}
	rows.Close()

	now := time.Now().UTC()
	keep := make(map[string]bool, len(present))
	for _, t := range present {
		keep[t.Name] = true
		if !known[t.Name] {
			added++
		}
		_, err := tx.Exec(`INSERT INTO tracks(name,format,size,mod_time,added_at) VALUES(?,?,?,?,?)
			ON CONFLICT(name) DO UPDATE SET format=excluded.format, size=excluded.size, mod_time=excluded.mod_time`,
			t.Name, t.Format, t.Size, t.ModTime.UTC(), now)
		if err != nil {
			return 0, 0, fmt.Errorf("reconcile %s: %w", t.Name, err)
		}
	}
	for name := range known {
		if keep[name] {
			continue
		}
		if _, err := tx.Exec("DELETE FROM tracks WHERE name=?", name); err != nil {
			return 0, 0, fmt.Errorf("reconcile delete %s: %w", name, err)
		}
		removed++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return added, removed, nil
}
