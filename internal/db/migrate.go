package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations executes the schema migrations in name order. When dir is
// non-empty and exists, .sql files from it take precedence over the embedded
// set, which allows deployments to patch a schema without rebuilding.
func RunMigrations(conn *sql.DB, dir string) error {
	names, read, err := migrationSource(dir)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := read(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := conn.Exec(string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func migrationSource(dir string) ([]string, func(string) ([]byte, error), error) {
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err == nil {
			var names []string
			for _, e := range entries {
				if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
					names = append(names, e.Name())
				}
			}
			return names, func(name string) ([]byte, error) {
				return os.ReadFile(filepath.Join(dir, name))
			}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
		}
	}

	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	return names, func(name string) ([]byte, error) {
		return embeddedMigrations.ReadFile(filepath.Join("migrations", name))
	}, nil
}
