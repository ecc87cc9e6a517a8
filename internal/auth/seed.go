package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const seedPasswordBytes = 16

// SeedOwner creates the first owner account when no human users exist.
// The generated password is logged once and returned; it is empty when
// seeding was skipped.
func SeedOwner(ctx context.Context, users UserRepository, logger Logger) (string, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Debug("users exist, skipping owner seed")
		return "", nil
	}

	raw := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	owner := &User{
		Username:     "owner",
		DisplayName:  "Owner",
		PasswordHash: hash,
		Role:         RoleOwner,
		IsActive:     true,
	}
	if err := users.Create(ctx, owner); err != nil {
		return "", fmt.Errorf("creating seed owner: %w", err)
	}

	logger.Warn("seed owner account created",
		"username", owner.Username,
		"password", password,
		"action_required", "change this password immediately",
	)
	return password, nil
}
