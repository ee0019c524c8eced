package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/lgulliver/chunkstone/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one numbered schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies embedded SQL migrations to the session database
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
}

// Open connects to PostgreSQL and loads the migrations found in dir
func Open(cfg *config.DatabaseConfig, fsys fs.FS, dir string) (*Migrator, error) {
	migrations, err := Load(fsys, dir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Migrator{db: db, migrations: migrations}, nil
}

// Load parses every NNN_name.sql file in dir, ordered by version.
// Duplicate versions are rejected.
func Load(fsys fs.FS, dir string) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		m, err := Parse(entry.Name(), string(content))
		if err != nil {
			return nil, err
		}
		if other, dup := seen[m.Version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), m.Version)
		}
		seen[m.Version] = entry.Name()
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Parse splits a migration file into its up and down halves
func Parse(filename, content string) (*Migration, error) {
	prefix, rest, ok := strings.Cut(filename, "_")
	if !ok {
		return nil, fmt.Errorf("invalid migration filename: %s", filename)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid migration version in %s: %w", filename, err)
	}

	m := &Migration{Version: version, Name: strings.TrimSuffix(rest, ".sql")}

	var up, down []string
	inDown := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			inDown = false
			continue
		case downMarker:
			inDown = true
			continue
		}
		if inDown {
			down = append(down, line)
		} else {
			up = append(up, line)
		}
	}

	m.UpSQL = strings.TrimSpace(strings.Join(up, "\n"))
	m.DownSQL = strings.TrimSpace(strings.Join(down, "\n"))
	if m.UpSQL == "" {
		return nil, fmt.Errorf("migration %s has no up section", filename)
	}
	return m, nil
}

// Pending returns the migrations whose versions are not in applied
func Pending(migrations []*Migration, applied []int) []*Migration {
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var pending []*Migration
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Applied returns the applied versions in ascending order
func (m *Migrator) Applied() ([]int, error) {
	if err := m.ensureTable(); err != nil {
		return nil, err
	}

	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Up runs all pending migrations, each in its own transaction
func (m *Migrator) Up() error {
	applied, err := m.Applied()
	if err != nil {
		return err
	}

	pending := Pending(m.migrations, applied)
	if len(pending) == 0 {
		log.Info().Msg("No pending migrations")
		return nil
	}

	for _, mig := range pending {
		err := m.exec(mig.UpSQL, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name)
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("Applied migration")
	}
	return nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down() error {
	applied, err := m.Applied()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		log.Info().Msg("No migrations to roll back")
		return nil
	}

	last := applied[len(applied)-1]
	var target *Migration
	for _, mig := range m.migrations {
		if mig.Version == last {
			target = mig
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration file for version %d not found", last)
	}

	if err := m.exec(target.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", target.Version); err != nil {
		return fmt.Errorf("failed to roll back migration %d (%s): %w", target.Version, target.Name, err)
	}
	log.Info().Int("version", target.Version).Str("name", target.Name).Msg("Rolled back migration")
	return nil
}

func (m *Migrator) exec(schemaSQL, bookkeeping string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if schemaSQL != "" {
		if _, err := tx.Exec(schemaSQL); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(bookkeeping, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Migrations returns the loaded migrations
func (m *Migrator) Migrations() []*Migration {
	return m.migrations
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}
