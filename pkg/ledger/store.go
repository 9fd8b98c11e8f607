package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// StartBalance is the quote balance observed at the very first startup.
type StartBalance struct {
	Amount     decimal.Decimal `json:"amount"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// StartBalanceStore persists the start balance exactly once. InitOnce stores
// candidate when nothing is recorded yet and returns whatever is stored.
type StartBalanceStore interface {
	InitOnce(ctx context.Context, candidate StartBalance) (StartBalance, error)
}

// FileStore keeps the start balance in a JSON file created exclusively.
type FileStore struct {
	path string
}

// NewFileStore returns a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) InitOnce(ctx context.Context, candidate StartBalance) (StartBalance, error) {
	if existing, err := s.read(); err == nil {
		return existing, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return StartBalance{}, err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return s.read()
	}
	if err != nil {
		return StartBalance{}, fmt.Errorf("start balance: create %s: %w", s.path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(candidate); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: write %s: %w", s.path, err)
	}
	logx.Infof("ledger: start balance %s recorded in %s", candidate.Amount.StringFixed(2), s.path)
	return candidate, nil
}

func (s *FileStore) read() (StartBalance, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return StartBalance{}, err
	}
	var out StartBalance
	if err := json.Unmarshal(data, &out); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: parse %s: %w", s.path, err)
	}
	return out, nil
}

const (
	createStartBalanceTable = `CREATE TABLE IF NOT EXISTS bot_start_balance (
    key         TEXT PRIMARY KEY,
    amount      TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
)`
	insertStartBalance = `INSERT INTO bot_start_balance (key, amount, recorded_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`
	selectStartBalance = `SELECT amount, recorded_at FROM bot_start_balance WHERE key = $1`
)

type startBalanceRow struct {
	Amount     string    `db:"amount"`
	RecordedAt time.Time `db:"recorded_at"`
}

// PostgresStore keeps start balances keyed by account in Postgres.
type PostgresStore struct {
	conn sqlx.SqlConn
	key  string
}

// NewPostgresStore returns a store on conn for key.
func NewPostgresStore(conn sqlx.SqlConn, key string) *PostgresStore {
	return &PostgresStore{conn: conn, key: key}
}

func (s *PostgresStore) InitOnce(ctx context.Context, candidate StartBalance) (StartBalance, error) {
	if _, err := s.conn.ExecCtx(ctx, createStartBalanceTable); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: ensure table: %w", err)
	}
	if _, err := s.conn.ExecCtx(ctx, insertStartBalance, s.key, candidate.Amount.String(), candidate.RecordedAt.UTC()); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: insert: %w", err)
	}
	var row startBalanceRow
	if err := s.conn.QueryRowCtx(ctx, &row, selectStartBalance, s.key); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return StartBalance{}, fmt.Errorf("start balance: row %q missing after insert", s.key)
		}
		return StartBalance{}, fmt.Errorf("start balance: select: %w", err)
	}
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return StartBalance{}, fmt.Errorf("start balance: parse amount %q: %w", row.Amount, err)
	}
	return StartBalance{Amount: amount, RecordedAt: row.RecordedAt.UTC()}, nil
}

// RedisStore keeps the start balance under a single key set with SETNX.
type RedisStore struct {
	rds *redis.Redis
	key string
}

// NewRedisStore returns a store on rds for key.
func NewRedisStore(rds *redis.Redis, key string) *RedisStore {
	return &RedisStore{rds: rds, key: key}
}

func (s *RedisStore) InitOnce(ctx context.Context, candidate StartBalance) (StartBalance, error) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return StartBalance{}, fmt.Errorf("start balance: encode: %w", err)
	}
	if _, err := s.rds.SetnxCtx(ctx, s.key, string(payload)); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: setnx %s: %w", s.key, err)
	}
	raw, err := s.rds.GetCtx(ctx, s.key)
	if err != nil {
		return StartBalance{}, fmt.Errorf("start balance: get %s: %w", s.key, err)
	}
	var out StartBalance
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return StartBalance{}, fmt.Errorf("start balance: parse %s: %w", s.key, err)
	}
	return out, nil
}
