package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"lab_collab/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate применяет схему; все скрипты идемпотентны (IF NOT EXISTS)
func Migrate(ctx context.Context, db *pgxpool.Pool, log logger.Logger) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, string(script)); err != nil {
			log.Error("Failed to apply migration", "error", err, "migration", name)
			return fmt.Errorf("migration %s: %w", name, err)
		}
		log.Debug("Migration applied", "migration", name)
	}
	return nil
}
