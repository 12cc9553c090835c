// Package history is the version-controlled archive of element snapshots.
//
// The working tree (one file per key) always holds the last committed
// version; the commits table keeps every version ever accepted. All
// mutations run under the guard, so the compare-and-commit step is atomic
// with respect to other runs sharing the same directory.
package history

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/element"
	"github.com/dokzlo13/osmwatch/internal/guard"
)

// ErrStoreUnavailable is returned when the repository cannot be initialised
// or accessed at all. It is fatal for a run.
var ErrStoreUnavailable = errors.New("history repository unavailable")

// ErrVersionNotFound is returned by Show for an unknown key or sequence.
var ErrVersionNotFound = errors.New("version not found")

// Outcome classifies what Commit did
type Outcome int

const (
	// OutcomeUnchanged: content equals the current version, nothing written.
	OutcomeUnchanged Outcome = iota
	// OutcomeInitial: first version of the key.
	OutcomeInitial
	// OutcomeUpdated: content differs from the current version.
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInitial:
		return "initial"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// CommitResult describes a Commit call.
type CommitResult struct {
	Key     element.Key
	Outcome Outcome
	Seq     int64  // zero when unchanged
	Message string // empty when unchanged
	Hash    string
	// Previous is the replaced content for OutcomeUpdated
	Previous []byte
}

// Version is one entry of a key's commit log.
type Version struct {
	Seq         int64
	RunID       string
	Message     string
	Hash        string
	CommittedAt time.Time
}

// Store owns the working tree and the commit log.
type Store struct {
	dir   string
	db    *sql.DB
	guard *guard.Guard
}

// Open prepares the repository at dir. A directory that cannot be created
// or written to yields ErrStoreUnavailable.
func Open(dir string, db *sql.DB, g *guard.Guard) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f, err := os.CreateTemp(dir, ".writable-")
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not writable: %v", ErrStoreUnavailable, dir, err)
	}
	f.Close()
	os.Remove(f.Name())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &Store{dir: dir, db: db, guard: g}, nil
}

// Dir returns the working tree directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the working tree path for key.
func (s *Store) Path(key element.Key) string {
	return filepath.Join(s.dir, key.Filename())
}

// Exists reports whether a committed version of key is present.
func (s *Store) Exists(key element.Key) bool {
	info, err := os.Stat(s.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the current version of key.
func (s *Store) Read(key element.Key) ([]byte, error) {
	return os.ReadFile(s.Path(key))
}

// Commit stores content as the new current version of key unless it is
// byte-identical to the current one. The file write and the commit-log row
// succeed or fail together; on failure the previous version is left in place.
func (s *Store) Commit(ctx context.Context, runID string, key element.Key, content []byte) (*CommitResult, error) {
	res := &CommitResult{Key: key, Hash: contentHash(content)}

	err := s.guard.Do(ctx, func() error {
		prev, err := os.ReadFile(s.Path(key))
		exists := err == nil
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read current version: %w", err)
		}

		if exists && bytes.Equal(prev, content) {
			res.Outcome = OutcomeUnchanged
			return nil
		}

		res.Outcome = OutcomeInitial
		if exists {
			res.Outcome = OutcomeUpdated
			res.Previous = prev
		}
		res.Message = key.CommitMessage(!exists)

		return s.commitLocked(ctx, runID, key, content, prev, exists, res)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", key, err)
	}

	if res.Outcome != OutcomeUnchanged {
		log.Debug().
			Str("key", key.String()).
			Int64("seq", res.Seq).
			Str("commit_message", res.Message).
			Msg("History commit")
	}
	return res, nil
}

func (s *Store) commitLocked(ctx context.Context, runID string, key element.Key, content, prev []byte, existed bool, res *CommitResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM commits WHERE key = ?`, key.String(),
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits (key, seq, run_id, message, content, content_hash, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, key.String(), seq, runID, res.Message, content, res.Hash, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("failed to insert commit: %w", err)
	}

	if err := writeFileAtomic(s.dir, key.Filename(), content); err != nil {
		return fmt.Errorf("failed to write working tree: %w", err)
	}

	if err := tx.Commit(); err != nil {
		// The log did not take the new version; put the old one back.
		if existed {
			if rerr := writeFileAtomic(s.dir, key.Filename(), prev); rerr != nil {
				log.Error().Err(rerr).Str("key", key.String()).Msg("Failed to restore previous version")
			}
		} else {
			_ = os.Remove(s.Path(key))
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	res.Seq = seq
	return nil
}

// Log returns the commit log of key, oldest first.
func (s *Store) Log(key element.Key) ([]Version, error) {
	rows, err := s.db.Query(`
		SELECT seq, run_id, message, content_hash, committed_at
		FROM commits
		WHERE key = ?
		ORDER BY seq ASC
	`, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		var runID sql.NullString
		var ts int64
		if err := rows.Scan(&v.Seq, &runID, &v.Message, &v.Hash, &ts); err != nil {
			return nil, err
		}
		v.RunID = runID.String
		v.CommittedAt = time.Unix(ts, 0).UTC()
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Show returns the content of one historic version.
func (s *Store) Show(key element.Key, seq int64) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(`
		SELECT content FROM commits WHERE key = ? AND seq = ?
	`, key.String(), seq).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s@%d", ErrVersionNotFound, key, seq)
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// CommitsByRun returns how many versions a run committed.
func (s *Store) CommitsByRun(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM commits WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
