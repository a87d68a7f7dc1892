package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/casarerpa/orchestrator/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrationFilename = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

type migration struct {
	version  int
	name     string
	checksum string
	sql      string
}

// runMigrations applies every embedded migration not yet recorded in
// _migrations, in ascending version order, each in its own transaction
// alongside the row that records it (spec §4.A). A migration already
// applied with a mismatched checksum is a fatal misconfiguration: the
// embedded .sql file changed after it shipped to a live database.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		version    INT PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return errs.Wrap(errs.Fatal, "failed to create _migrations table", err)
	}

	applied := make(map[int]string)
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM _migrations`)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to read _migrations", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return errs.Wrap(errs.Fatal, "failed to scan _migrations row", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Fatal, "failed to iterate _migrations", err)
	}
	rows.Close()

	for _, m := range migrations {
		if checksum, ok := applied[m.version]; ok {
			if checksum != m.checksum {
				return errs.New(errs.Fatal, fmt.Sprintf(
					"migration %03d_%s was already applied with a different checksum: the embedded file changed after it shipped",
					m.version, m.name))
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.Fatal, "failed to begin migration transaction", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.Fatal, fmt.Sprintf("failed to apply migration %03d_%s", m.version, m.name), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.version, m.name, m.checksum); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.Fatal, fmt.Sprintf("failed to record migration %03d_%s", m.version, m.name), err)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.Fatal, fmt.Sprintf("failed to commit migration %03d_%s", m.version, m.name), err)
		}
	}

	return nil
}

// loadMigrations reads every NNN_name.sql file out of the embedded
// filesystem and returns them sorted by version.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to read embedded migrations directory", err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFilename.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, errs.New(errs.Fatal, fmt.Sprintf("migration file %q does not match NNN_name.sql", entry.Name()))
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, fmt.Sprintf("migration file %q has a non-numeric version", entry.Name()), err)
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, fmt.Sprintf("failed to read migration file %q", entry.Name()), err)
		}
		sum := sha256.Sum256(data)
		migrations = append(migrations, migration{
			version:  version,
			name:     match[2],
			checksum: fmt.Sprintf("%x", sum),
			sql:      string(data),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
