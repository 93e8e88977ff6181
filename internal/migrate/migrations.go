// Package migrate brings a workspace database up to the embedded schema.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one embedded schema file, named NNNN_label.sql and applied in
// ascending version order.
type step struct {
	version int
	name    string
	ddl     string
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("schema file %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s: %w", name, err)
		}
		ddl, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: version, name: name, ddl: string(ddl)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies every schema step the workspace has not seen yet. All
// pending steps run in one transaction; an up-to-date workspace is left
// untouched.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := ensureVersion(tx)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.ddl); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record version %d: %w", s.version, err)
		}
		current = s.version
	}
	return tx.Commit()
}

// Version reports the schema version recorded in a migrated workspace.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func ensureVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("schema_version table: %w", err)
	}
	var v int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v); err {
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	case nil:
		return v, nil
	default:
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
}
