package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Category is the kind of access requested on an entity.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryControl Category = "control"
	CategoryEdit    Category = "edit"
)

// Grant holds the categories allowed by one policy entry.
type Grant struct {
	Read    bool `json:"read"`
	Control bool `json:"control"`
	Edit    bool `json:"edit"`
}

// FullGrant allows every category.
var FullGrant = Grant{Read: true, Control: true, Edit: true}

func (g Grant) allows(c Category) bool {
	switch c {
	case CategoryRead:
		return g.Read
	case CategoryControl:
		return g.Control
	case CategoryEdit:
		return g.Edit
	default:
		return false
	}
}

// Policy lists the entity grants of a non-admin user. Grants are
// additive: an entity is allowed a category if any matching entry allows
// it.
type Policy struct {
	All       *Grant           `json:"all,omitempty"`
	Domains   map[string]Grant `json:"domains,omitempty"`
	EntityIDs map[string]Grant `json:"entity_ids,omitempty"`
}

// Permissions answers entity access questions.
type Permissions interface {
	// CheckEntity reports whether category is allowed on entityID.
	CheckEntity(entityID string, category Category) bool
	// AccessAllEntities reports whether category is allowed on every
	// entity, letting callers skip per-entity filtering.
	AccessAllEntities(category Category) bool
}

type allPermissions struct{}

func (allPermissions) CheckEntity(string, Category) bool { return true }
func (allPermissions) AccessAllEntities(Category) bool   { return true }

// AllPermissions allows everything. It is used for admin users.
var AllPermissions Permissions = allPermissions{}

type policyPermissions struct {
	policy Policy
}

// NewPolicyPermissions builds a checker from a policy. A nil policy
// allows nothing.
func NewPolicyPermissions(p *Policy) Permissions {
	if p == nil {
		return policyPermissions{}
	}
	return policyPermissions{policy: *p}
}

func (pp policyPermissions) CheckEntity(entityID string, category Category) bool {
	if pp.AccessAllEntities(category) {
		return true
	}
	entityID = strings.ToLower(entityID)
	if g, ok := pp.policy.EntityIDs[entityID]; ok && g.allows(category) {
		return true
	}
	domain, _, _ := strings.Cut(entityID, ".")
	if g, ok := pp.policy.Domains[domain]; ok && g.allows(category) {
		return true
	}
	return false
}

func (pp policyPermissions) AccessAllEntities(category Category) bool {
	return pp.policy.All != nil && pp.policy.All.allows(category)
}

// Policy scopes as stored in user_entity_access.
const (
	scopeAll    = "all"
	scopeDomain = "domain"
	scopeEntity = "entity"
)

// PolicyRepository persists entity policies.
type PolicyRepository interface {
	SetPolicy(ctx context.Context, userID string, policy *Policy) error
	GetPolicy(ctx context.Context, userID string) (*Policy, error)
	ClearPolicy(ctx context.Context, userID string) error
}

// SQLitePolicyRepository implements PolicyRepository using SQLite.
type SQLitePolicyRepository struct {
	db *sql.DB
}

// NewPolicyRepository creates a new SQLite-backed policy repository.
func NewPolicyRepository(db *sql.DB) *SQLitePolicyRepository {
	return &SQLitePolicyRepository{db: db}
}

// SetPolicy replaces every grant of a user. A nil or empty policy leaves
// the user with no entity access.
func (r *SQLitePolicyRepository) SetPolicy(ctx context.Context, userID string, policy *Policy) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_entity_access WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing entity access: %w", err)
	}

	if policy != nil {
		now := time.Now().UTC().Format(time.RFC3339)
		insert := func(scope, target string, g Grant) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO user_entity_access (user_id, scope, target, can_read, can_control, can_edit, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				userID, scope, target, boolToInt(g.Read), boolToInt(g.Control), boolToInt(g.Edit), now)
			if err != nil {
				return fmt.Errorf("granting %s %q: %w", scope, target, err)
			}
			return nil
		}

		if policy.All != nil {
			if err := insert(scopeAll, "", *policy.All); err != nil {
				return err
			}
		}
		for domain, g := range policy.Domains {
			if err := insert(scopeDomain, strings.ToLower(domain), g); err != nil {
				return err
			}
		}
		for entityID, g := range policy.EntityIDs {
			if err := insert(scopeEntity, strings.ToLower(entityID), g); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity access: %w", err)
	}
	return nil
}

// GetPolicy loads the grants of a user. A user without grants gets an
// empty, non-nil policy.
func (r *SQLitePolicyRepository) GetPolicy(ctx context.Context, userID string) (*Policy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT scope, target, can_read, can_control, can_edit
		 FROM user_entity_access WHERE user_id = ? ORDER BY scope, target`, userID)
	if err != nil {
		return nil, fmt.Errorf("getting entity access: %w", err)
	}
	defer rows.Close()

	policy := &Policy{}
	for rows.Next() {
		var scope, target string
		var canRead, canControl, canEdit int
		if err := rows.Scan(&scope, &target, &canRead, &canControl, &canEdit); err != nil {
			return nil, fmt.Errorf("scanning entity access: %w", err)
		}
		g := Grant{Read: canRead != 0, Control: canControl != 0, Edit: canEdit != 0}

		switch scope {
		case scopeAll:
			policy.All = &g
		case scopeDomain:
			if policy.Domains == nil {
				policy.Domains = make(map[string]Grant)
			}
			policy.Domains[target] = g
		case scopeEntity:
			if policy.EntityIDs == nil {
				policy.EntityIDs = make(map[string]Grant)
			}
			policy.EntityIDs[target] = g
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity access: %w", err)
	}
	return policy, nil
}

// ClearPolicy removes all entity access of a user.
func (r *SQLitePolicyRepository) ClearPolicy(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM user_entity_access WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing entity access: %w", err)
	}
	return nil
}
