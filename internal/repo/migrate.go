package repo

import (
	"context"
	"database/sql"
	"embed"
)

//go:embed schema.sql
var schemaFS embed.FS

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}
