// Package store persists remap profiles in a per-host SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/remap"
)

const appName = "keyboard-testkit"

// Setting keys.
const (
	SettingEnabled       = "enabled"
	SettingFnMode        = "fn_mode"
	SettingUnknownPolicy = "unknown_policy"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store closed")

// Profile is everything needed to rebuild a remapper's configuration.
type Profile struct {
	Mappings    []remap.Mapping   `json:"mappings"`
	Combos      []remap.Mapping   `json:"combos"`
	FnScancodes []keymap.KeyCode  `json:"fn_scancodes"`
	Settings    map[string]string `json:"settings"`
}

// Empty reports whether nothing has been saved yet.
func (p Profile) Empty() bool {
	return len(p.Mappings) == 0 && len(p.Combos) == 0 && len(p.FnScancodes) == 0 && len(p.Settings) == 0
}

// Apply layers the saved profile over r's current configuration.
func (p Profile) Apply(r *remap.Remapper) error {
	if v, ok := p.Settings[SettingFnMode]; ok {
		mode, err := remap.ParseFnMode(v)
		if err != nil {
			return err
		}
		if mode != r.FnMode() {
			r.ApplyPreset(mode)
		}
	}
	if v, ok := p.Settings[SettingUnknownPolicy]; ok {
		policy, err := remap.ParseUnknownPolicy(v)
		if err != nil {
			return err
		}
		r.SetUnknownPolicy(policy)
	}
	if v, ok := p.Settings[SettingEnabled]; ok {
		r.SetEnabled(v == "true")
	}
	for _, c := range p.FnScancodes {
		r.AddFnScancode(c)
	}
	r.LoadMappings(p.Mappings)
	for _, c := range p.Combos {
		r.AddCombo(c.From, c.To)
	}
	return nil
}

// Store wraps the database handle.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// DefaultPath returns $XDG_DATA_HOME/keyboard-testkit/<hostname>.db.
func DefaultPath() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	return filepath.Join(dataDir, appName, hostname+".db"), nil
}

// Open opens or creates the database at path. An empty path uses
// DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS mappings (
			source INTEGER PRIMARY KEY,
			target INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS combos (
			source INTEGER PRIMARY KEY,
			target INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS fn_scancodes (
			code INTEGER PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// LoadProfile reads every saved table.
func (s *Store) LoadProfile() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Profile{}, ErrClosed
	}

	var p Profile
	var err error
	if p.Mappings, err = s.pairs("SELECT source, target FROM mappings ORDER BY source"); err != nil {
		return Profile{}, fmt.Errorf("load mappings: %w", err)
	}
	if p.Combos, err = s.pairs("SELECT source, target FROM combos ORDER BY source"); err != nil {
		return Profile{}, fmt.Errorf("load combos: %w", err)
	}

	rows, err := s.db.Query("SELECT code FROM fn_scancodes ORDER BY code")
	if err != nil {
		return Profile{}, fmt.Errorf("load fn scancodes: %w", err)
	}
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return Profile{}, err
		}
		p.FnScancodes = append(p.FnScancodes, keymap.KeyCode(c))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Profile{}, err
	}

	rows, err = s.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return Profile{}, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Profile{}, err
		}
		if p.Settings == nil {
			p.Settings = make(map[string]string)
		}
		p.Settings[k] = v
	}
	return p, rows.Err()
}

func (s *Store) pairs(query string) ([]remap.Mapping, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []remap.Mapping
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, remap.Mapping{From: keymap.KeyCode(from), To: keymap.KeyCode(to)})
	}
	return out, rows.Err()
}

func (s *Store) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(query, args...)
	return err
}

// PutMapping inserts or replaces a direct mapping.
func (s *Store) PutMapping(from, to keymap.KeyCode) error {
	return s.exec(`
		INSERT INTO mappings (source, target) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET target = excluded.target
	`, int64(from), int64(to))
}

func (s *Store) DeleteMapping(from keymap.KeyCode) error {
	return s.exec("DELETE FROM mappings WHERE source = ?", int64(from))
}

// ClearMappings removes every direct mapping.
func (s *Store) ClearMappings() error {
	return s.exec("DELETE FROM mappings")
}

// PutCombo inserts or replaces an FN combo.
func (s *Store) PutCombo(key, result keymap.KeyCode) error {
	return s.exec(`
		INSERT INTO combos (source, target) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET target = excluded.target
	`, int64(key), int64(result))
}

func (s *Store) DeleteCombo(key keymap.KeyCode) error {
	return s.exec("DELETE FROM combos WHERE source = ?", int64(key))
}

func (s *Store) PutFnScancode(code keymap.KeyCode) error {
	return s.exec("INSERT OR IGNORE INTO fn_scancodes (code) VALUES (?)", int64(code))
}

// PutSetting stores a remapper setting such as SettingFnMode.
func (s *Store) PutSetting(key, value string) error {
	return s.exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
}

// Close closes the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
