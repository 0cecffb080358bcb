// Package history archives settled round results in SQLite so players can
// list and re-verify past rounds.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"fairplay-backend/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var ErrNotFound = models.NewError(models.CodeSessionNotFound, "round not found")

type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty sqlite database path")
	}
	if path != ":memory:" {
		if parent := filepath.Dir(path); parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to init history db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS round_results (
    round_id         TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    idempotency_key  TEXT,
    mode             TEXT NOT NULL,
    server_seed      TEXT NOT NULL DEFAULT '',
    server_seed_hash TEXT NOT NULL,
    client_seed      TEXT NOT NULL,
    nonce            INTEGER NOT NULL,
    outcome          TEXT NOT NULL,
    multiplier       TEXT NOT NULL,
    stake            INTEGER NOT NULL,
    payout           INTEGER NOT NULL,
    created_at_ms    INTEGER NOT NULL,
    UNIQUE (owner_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_round_results_owner ON round_results (owner_id, created_at_ms DESC);
`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record archives a result. An empty idemKey stores NULL, which never
// collides. Recording the same round twice is a no-op.
func (s *Store) Record(ctx context.Context, res models.RoundResult, idemKey string) error {
	outcome, err := json.Marshal(res.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	var key sql.NullString
	if idemKey != "" {
		key = sql.NullString{String: idemKey, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO round_results (
    round_id, owner_id, idempotency_key, mode, server_seed, server_seed_hash,
    client_seed, nonce, outcome, multiplier, stake, payout, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING
`,
		res.RoundID, res.OwnerID, key, string(res.Mode), res.Seed.ServerSeed, res.Seed.ServerSeedHash,
		res.Seed.ClientSeed, int64(res.Nonce), string(outcome), res.Multiplier.String(),
		res.Stake, res.Payout, res.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record round %s: %w", res.RoundID, err)
	}
	return nil
}

// RevealSeed fills in the server seed of every archived round committed
// under hash, once the seed has been rotated out.
func (s *Store) RevealSeed(ctx context.Context, owner, hash, serverSeed string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE round_results SET server_seed = ?
WHERE owner_id = ? AND server_seed_hash = ? AND server_seed = ''
`, serverSeed, owner, hash)
	return err
}

const selectColumns = `
SELECT round_id, owner_id, mode, server_seed, server_seed_hash, client_seed,
       nonce, outcome, multiplier, stake, payout, created_at_ms
FROM round_results`

func (s *Store) Get(ctx context.Context, roundID string) (models.RoundResult, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE round_id = ?`, roundID)
	return scanResult(row)
}

// ByIdempotencyKey finds the round a player already played under key.
func (s *Store) ByIdempotencyKey(ctx context.Context, owner, key string) (models.RoundResult, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE owner_id = ? AND idempotency_key = ?`, owner, key)
	res, err := scanResult(row)
	if errors.Is(err, ErrNotFound) {
		return models.RoundResult{}, false, nil
	}
	if err != nil {
		return models.RoundResult{}, false, err
	}
	return res, true, nil
}

// ListByOwner returns the owner's rounds, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]models.RoundResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE owner_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RoundResult{}
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (models.RoundResult, error) {
	var (
		res        models.RoundResult
		mode       string
		nonce      int64
		outcome    string
		multiplier string
		createdAt  int64
	)
	err := row.Scan(&res.RoundID, &res.OwnerID, &mode, &res.Seed.ServerSeed, &res.Seed.ServerSeedHash,
		&res.Seed.ClientSeed, &nonce, &outcome, &multiplier, &res.Stake, &res.Payout, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoundResult{}, ErrNotFound
	}
	if err != nil {
		return models.RoundResult{}, err
	}

	res.Mode = models.GameMode(mode)
	res.Nonce = uint64(nonce)
	res.Seed.Nonce = res.Nonce
	res.Outcome = json.RawMessage(outcome)
	res.CreatedAt = time.UnixMilli(createdAt).UTC()
	if res.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
		return models.RoundResult{}, fmt.Errorf("bad multiplier %q: %w", multiplier, err)
	}
	return res, nil
}
