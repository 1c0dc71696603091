package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	migrations "github.com/SOG-web/reauth/migrations/postgres"
)

// Migrate aplica los archivos SQL embebidos en orden de nombre. El esquema es
// aditivo (todo IF NOT EXISTS), así que es seguro de correr en cada arranque.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations.FS, path.Join(migrations.Dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("postgres: migrate %s: %w", name, err)
		}
		// Exec sin argumentos usa el simple protocol, que acepta varios
		// statements por archivo.
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("postgres: migrate %s: %w", name, err)
		}
	}
	return nil
}
