package migrations

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

type Migration struct {
	Name    string
	Version string
	Path    string
}

// Apply runs every pending V<n>__name.sql file in dir, each in its own
// transaction, and records it in schema_migrations.
func Apply(ctx context.Context, db *sqlx.DB, dir string) ([]Migration, error) {
	pending, err := Pending(ctx, db, dir)
	if err != nil {
		return nil, err
	}
	for _, mig := range pending {
		if err := applyMigration(ctx, db, mig); err != nil {
			return nil, err
		}
		log.Printf("[migrations] applied %s", mig.Name)
	}
	return pending, nil
}

// Pending lists migrations in dir that are not recorded yet, in version order.
func Pending(ctx context.Context, db *sqlx.DB, dir string) ([]Migration, error) {
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	migs, err := listMigrations(dir)
	if err != nil {
		return nil, err
	}
	applied := map[string]bool{}
	rows := []string{}
	if err := db.SelectContext(ctx, &rows, `SELECT name FROM schema_migrations`); err != nil {
		return nil, err
	}
	for _, name := range rows {
		applied[name] = true
	}
	versions := []string{}
	if err := db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations WHERE version IS NOT NULL`); err != nil {
		return nil, err
	}
	appliedVersions := map[string]bool{}
	for _, v := range versions {
		appliedVersions[v] = true
	}
	pending := make([]Migration, 0, len(migs))
	for _, mig := range migs {
		if applied[mig.Name] || (mig.Version != "" && appliedVersions[mig.Version]) {
			continue
		}
		pending = append(pending, mig)
	}
	return pending, nil
}

func ensureTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  id SERIAL PRIMARY KEY,
  version TEXT NULL UNIQUE,
  name TEXT NOT NULL UNIQUE,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func listMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	migs := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		migs = append(migs, Migration{
			Name:    entry.Name(),
			Version: parseVersion(entry.Name()),
			Path:    filepath.Join(dir, entry.Name()),
		})
	}
	sort.Slice(migs, func(i, j int) bool {
		iVersion, iOk := parseVersionNumber(migs[i].Name)
		jVersion, jOk := parseVersionNumber(migs[j].Name)
		switch {
		case iOk && jOk && iVersion != jVersion:
			return iVersion < jVersion
		case iOk != jOk:
			return iOk
		default:
			return migs[i].Name < migs[j].Name
		}
	})
	return migs, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, mig Migration) error {
	content, err := os.ReadFile(mig.Path)
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply %s: %w", mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, nullIfEmpty(mig.Version), mig.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s: %w", mig.Name, err)
	}
	return tx.Commit()
}

func parseVersion(name string) string {
	if !strings.HasPrefix(name, "V") {
		return ""
	}
	parts := strings.SplitN(name[1:], "__", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

func parseVersionNumber(name string) (int, bool) {
	raw := parseVersion(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func nullIfEmpty(value string) interface{} {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
