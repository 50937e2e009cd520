package bus

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// migrate runs all pending schema migrations for the store's dialect.
func migrate(db *sql.DB, d dialect) error {
	goose.SetBaseFS(migrations)

	dir := "migrations/sqlite"
	gooseDialect := "sqlite3"
	if d == dialectPostgres {
		dir = "migrations/postgres"
		gooseDialect = "postgres"
	}

	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
