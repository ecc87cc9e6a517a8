// Package database provides SQLite connectivity for the Open Peer Power core.
//
// It manages:
//   - the connection, opened in WAL mode with a busy timeout
//   - embedded schema migrations applied in version order
//   - file permissions (0600) on the database file
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql and are registered by the migrations
// package through MigrationsFS.
package database
