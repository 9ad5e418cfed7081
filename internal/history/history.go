// Package history persists a local, tamper-evident record of MCP tool
// invocations and callback session outcomes.
//
// Records form an HMAC chain: each row's MAC covers the previous row's MAC,
// so deleting or editing any row breaks verification from that point on. The
// MAC key is derived with HKDF-SHA256 from a per-install random seed stored
// alongside the records. Details are redacted before they are written; the
// history never stores secret material.
package history

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"

	"github.com/21st-dev/magic/pkg/redact"
)

// DBFileName is the history database inside the magic directory.
const DBFileName = "history.db"

// genesisMAC is the chain value before any record exists.
const genesisMAC = "genesis"

// Operation types recorded in history.
const (
	OpToolCall          = "tool.call"
	OpToolError         = "tool.error"
	OpCallbackCompleted = "callback.completed"
	OpCallbackTimeout   = "callback.timeout"
)

// ErrChainBroken is returned by Verify when a record's MAC does not match
// its recomputed value.
var ErrChainBroken = errors.New("history: HMAC chain verification failed")

// Entry is one history record.
type Entry struct {
	ID        int64
	RequestID string
	Op        string
	Tool      string
	Detail    string
	CreatedAt string
	PrevMAC   string
	MAC       string
}

// Store is an append-only history log backed by sqlite. Safe for concurrent
// use within one process; the chain head is guarded by the store's lock.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	macKey  []byte
	prevMAC string
}

// Open creates or opens the history database in dir and loads the chain
// head. The directory is created with owner-only permissions.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("history: creating %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initMACKey(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadChainHead(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			op TEXT NOT NULL,
			tool TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at TEXT NOT NULL,
			prev_mac TEXT NOT NULL,
			mac TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("history: creating schema: %w", err)
	}
	return nil
}

// initMACKey loads the per-install seed, generating one on first run, and
// derives the chain MAC key from it.
func (s *Store) initMACKey() error {
	var seedHex string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'seed'`).Scan(&seedHex)
	switch {
	case err == sql.ErrNoRows:
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("history: generating seed: %w", err)
		}
		seedHex = hex.EncodeToString(seed)
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('seed', ?)`, seedHex); err != nil {
			return fmt.Errorf("history: storing seed: %w", err)
		}
	case err != nil:
		return fmt.Errorf("history: loading seed: %w", err)
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("history: decoding seed: %w", err)
	}

	r := hkdf.New(sha256.New, seed, nil, []byte("magic-history-v1"))
	s.macKey = make([]byte, 32)
	if _, err := r.Read(s.macKey); err != nil {
		return fmt.Errorf("history: deriving MAC key: %w", err)
	}
	return nil
}

func (s *Store) loadChainHead() error {
	var mac string
	err := s.db.QueryRow(`SELECT mac FROM history ORDER BY id DESC LIMIT 1`).Scan(&mac)
	switch {
	case err == sql.ErrNoRows:
		s.prevMAC = genesisMAC
	case err != nil:
		return fmt.Errorf("history: loading chain head: %w", err)
	default:
		s.prevMAC = mac
	}
	return nil
}

// Append records one event. The detail passes through the log redactor
// before it is stored.
func (s *Store) Append(requestID, op, tool, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail = redact.String(detail)
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	mac := s.recordMAC(s.prevMAC, requestID, op, tool, detail, createdAt)

	_, err := s.db.Exec(`
		INSERT INTO history (request_id, op, tool, detail, created_at, prev_mac, mac)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, op, tool, detail, createdAt, s.prevMAC, mac,
	)
	if err != nil {
		return fmt.Errorf("history: appending record: %w", err)
	}
	s.prevMAC = mac
	return nil
}

func (s *Store) recordMAC(prevMAC, requestID, op, tool, detail, createdAt string) string {
	mac := hmac.New(sha256.New, s.macKey)
	for _, field := range []string{prevMAC, requestID, op, tool, detail, createdAt} {
		mac.Write([]byte(field))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, request_id, op, tool, detail, created_at, prev_mac, mac
		FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Op, &e.Tool, &e.Detail, &e.CreatedAt, &e.PrevMAC, &e.MAC); err != nil {
			return nil, fmt.Errorf("history: scanning record: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify walks the whole chain oldest-first and recomputes every MAC.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, request_id, op, tool, detail, created_at, prev_mac, mac
		FROM history ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("history: reading records: %w", err)
	}
	defer rows.Close()

	prev := genesisMAC
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Op, &e.Tool, &e.Detail, &e.CreatedAt, &e.PrevMAC, &e.MAC); err != nil {
			return fmt.Errorf("history: scanning record: %w", err)
		}
		if e.PrevMAC != prev {
			return fmt.Errorf("%w: record %d chain gap", ErrChainBroken, e.ID)
		}
		if want := s.recordMAC(e.PrevMAC, e.RequestID, e.Op, e.Tool, e.Detail, e.CreatedAt); want != e.MAC {
			return fmt.Errorf("%w: record %d", ErrChainBroken, e.ID)
		}
		prev = e.MAC
	}
	return rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
