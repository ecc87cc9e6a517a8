// Package migrations embeds the SQL schema files so the binary can migrate
// its database without the files on disk.
package migrations

import (
	"embed"

	"github.com/openpeerpower/opp-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
