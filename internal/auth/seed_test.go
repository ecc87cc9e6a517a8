package auth

import (
	"testing"

	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
)

func TestSeedOwner_CreatesOnEmptyDB(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := t.Context()

	password, err := SeedOwner(ctx, repo, logging.Discard())
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if password == "" {
		t.Fatal("SeedOwner() should return the generated password")
	}

	owner, err := repo.GetByUsername(ctx, "owner")
	if err != nil {
		t.Fatalf("GetByUsername(owner) error = %v", err)
	}
	if owner.Role != RoleOwner || !owner.IsActive {
		t.Errorf("owner = %+v", owner)
	}
	if ok, err := VerifyPassword(password, owner.PasswordHash); err != nil || !ok {
		t.Errorf("generated password does not verify: %v %v", ok, err)
	}
}

func TestSeedOwner_SkipsWhenUsersExist(t *testing.T) {
	db := testDB(t)
	seedTestUser(t, db, "alice", RoleAdmin)

	password, err := SeedOwner(t.Context(), NewUserRepository(db), logging.Discard())
	if err != nil {
		t.Fatalf("SeedOwner() error = %v", err)
	}
	if password != "" {
		t.Error("SeedOwner() should skip when users exist")
	}
}
