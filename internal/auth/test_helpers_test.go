package auth

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/openpeerpower/opp-core/internal/infrastructure/database"
	_ "github.com/openpeerpower/opp-core/migrations"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

// testDB opens a migrated SQLite database in a temp directory.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(t.Context(), database.Config{
		Path:        filepath.Join(t.TempDir(), "auth.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

// seedTestUser inserts an active user with password "test-password".
func seedTestUser(t *testing.T, db *sql.DB, username string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	user := &User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := NewUserRepository(db).Create(t.Context(), user); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return user
}

func testManager(t *testing.T, db *sql.DB, apiPassword string) *Manager {
	t.Helper()

	m, err := NewManager(NewUserRepository(db), NewTokenRepository(db), NewPolicyRepository(db), ManagerConfig{
		Secret:      testSecret,
		APIPassword: apiPassword,
	}, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}
