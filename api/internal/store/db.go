package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "modernc.org/sqlite"             // sqlite driver
)

// Dialect selects placeholder style and the few SQL differences between backends.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("unknown database driver %q", driver)
}

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// forUpdate is appended to row lookups made inside a resolver transaction.
// SQLite serializes writers already.
func (d Dialect) forUpdate() string {
	if d == Postgres {
		return " for update"
	}
	return ""
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres (dsn is a URL) or SQLite (dsn is a file path) and pings it.
func Open(ctx context.Context, d Dialect, dsn string, pool PoolConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch d {
	case SQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
			filepath.Clean(dsn)))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

var schema = map[Dialect][]string{
	Postgres: {
		`create table if not exists catches (
  id          bigserial primary key,
  user_id     bigint not null,
  image_ref   text not null,
  detections  jsonb not null default '[]'::jsonb,
  caught_at   timestamptz not null,
  weight_kg   double precision,
  length_cm   double precision,
  latitude    double precision,
  longitude   double precision,
  memo        text not null default '',
  created_at  timestamptz not null default now(),
  updated_at  timestamptz not null default now()
)`,
		`create index if not exists idx_catches_user on catches (user_id, caught_at desc)`,
		`create index if not exists idx_catches_image on catches (user_id, image_ref)`,
	},
	SQLite: {
		`create table if not exists catches (
  id          integer primary key autoincrement,
  user_id     bigint not null,
  image_ref   text not null,
  detections  text not null default '[]',
  caught_at   TIMESTAMP not null,
  weight_kg   real,
  length_cm   real,
  latitude    real,
  longitude   real,
  memo        text not null default '',
  created_at  TIMESTAMP not null,
  updated_at  TIMESTAMP not null
)`,
		`create index if not exists idx_catches_user on catches (user_id, caught_at desc)`,
		`create index if not exists idx_catches_image on catches (user_id, image_ref)`,
	},
}

// Migrate creates the catches table when missing.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schema[d] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
