package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationFile matches "003_queue_token.sql".
var migrationFile = regexp.MustCompile(`^(\d+)_[A-Za-z0-9_\-]+\.sql$`)

type migration struct {
	version int
	name    string
	sql     string
}

// MigrationStatus reports one migration file against a schema's ledger.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies numbered SQL files to a clinic schema. Every file runs in
// its own transaction holding an advisory lock on the schema, so two
// instances starting together apply each file once.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
}

func NewMigrator(pool *pgxpool.Pool, source fs.FS) *Migrator {
	return &Migrator{pool: pool, source: source}
}

func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]migration, len(entries))
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, _ := strconv.Atoi(match[1])
		if prev, ok := byVersion[version]; ok {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev.name, entry.Name())
		}
		body, err := fs.ReadFile(m.source, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		byVersion[version] = migration{version: version, name: entry.Name(), sql: string(body)}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		out = append(out, mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (m *Migrator) ensureLedger(ctx context.Context, schema string) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s._migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema))
	if err != nil {
		return fmt.Errorf("create migration ledger in %s: %w", schema, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, q Querier, schema string) (map[int]time.Time, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("read migration ledger in %s: %w", schema, err)
	}
	defer rows.Close()

	done := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		done[v] = at
	}
	return done, rows.Err()
}

// Up applies every pending migration in version order and returns how many
// ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.ensureLedger(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.load()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, mig := range migrations {
		ran, err := m.apply(ctx, schema, mig)
		if err != nil {
			return n, fmt.Errorf("migration %s: %w", mig.name, err)
		}
		if ran {
			n++
		}
	}
	return n, nil
}

// apply runs mig unless the ledger already has it. The ledger is re-read
// under the lock because another instance may have just applied it.
func (m *Migrator) apply(ctx context.Context, schema string, mig migration) (bool, error) {
	ran := false
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey(schema)); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		done, err := m.applied(ctx, tx, schema)
		if err != nil {
			return err
		}
		if _, ok := done[mig.version]; ok {
			return nil
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, mig.sql); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO _migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		ran = true
		return nil
	})
	return ran, err
}

// Status lists every migration file with the time it was applied, if it was.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.ensureLedger(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, m.pool, schema)
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, done), nil
}

func statusOf(migrations []migration, done map[int]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Version: mig.version, Name: mig.name}
		if at, ok := done[mig.version]; ok {
			s.Applied = true
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out
}

func schemaLockKey(schema string) int64 {
	h := fnv.New64a()
	h.Write([]byte("migrate:" + schema))
	return int64(h.Sum64())
}
