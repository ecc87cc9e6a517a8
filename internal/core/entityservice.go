package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openpeerpower/opp-core/internal/auth"
)

// EntityMatchAll targets every entity the caller may control.
const EntityMatchAll = "all"

// ExtractEntityIDs reads the entity_id field of service data. It accepts
// a single id, a comma separated string, a list of ids, or "all". An
// absent field yields no ids and all=false.
func ExtractEntityIDs(data map[string]any) (ids []string, all bool, err error) {
	raw, ok := data[AttrEntityID]
	if !ok || raw == nil {
		return nil, false, nil
	}

	var candidates []string
	switch v := raw.(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(v), EntityMatchAll) {
			return nil, true, nil
		}
		candidates = strings.Split(v, ",")
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, &ValidationError{Field: AttrEntityID, Message: fmt.Sprintf("Entity ID %v is not a string", item)}
			}
			candidates = append(candidates, s)
		}
	default:
		return nil, false, &ValidationError{Field: AttrEntityID, Message: "Entity IDs must be a string or a list"}
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		id := strings.ToLower(strings.TrimSpace(c))
		if !ValidEntityID(id) {
			return nil, false, &ValidationError{Field: AttrEntityID, Message: fmt.Sprintf("Entity ID %s is an invalid entity id", c)}
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, false, nil
}

// EntityAction performs a service on resolved entity ids.
type EntityAction func(ctx context.Context, call *ServiceCall, entityIDs []string) error

// EntityService wraps action with entity_id extraction and permission
// checks for the calling user.
//
// Explicit ids the user may not control fail the whole call with an
// UnauthorizedError. "all" expands to the entities of domain (every
// domain when empty) and silently drops those the user may not control.
// Calls without a user in their context are not restricted.
func (c *Core) EntityService(domain string, action EntityAction) ServiceHandler {
	domain = strings.ToLower(domain)

	return func(ctx context.Context, call *ServiceCall) error {
		ids, all, err := ExtractEntityIDs(call.Data)
		if err != nil {
			return err
		}

		perms, err := c.permissionsFor(ctx, call.Context)
		if err != nil {
			return err
		}

		if all {
			matched := c.States.EntityIDs(domain)
			if perms.AccessAllEntities(auth.CategoryControl) {
				ids = matched
			} else {
				ids = ids[:0]
				for _, id := range matched {
					if perms.CheckEntity(id, auth.CategoryControl) {
						ids = append(ids, id)
					}
				}
			}
			return action(ctx, call, ids)
		}

		for _, id := range ids {
			if !perms.CheckEntity(id, auth.CategoryControl) {
				return &UnauthorizedError{
					Context:    call.Context,
					UserID:     call.Context.UserID(),
					EntityID:   id,
					Permission: string(auth.CategoryControl),
				}
			}
		}
		return action(ctx, call, ids)
	}
}

// permissionsFor resolves the permissions of the user behind octx.
func (c *Core) permissionsFor(ctx context.Context, octx *Context) (auth.Permissions, error) {
	if octx == nil || octx.UserID() == "" {
		return auth.AllPermissions, nil
	}
	user, err := c.activeUser(ctx, octx)
	if err != nil {
		return nil, err
	}
	return user.Permissions(), nil
}

// activeUser loads the user behind octx, failing with UnknownUserError
// when it is missing or inactive.
func (c *Core) activeUser(ctx context.Context, octx *Context) (*auth.User, error) {
	user, err := c.GetUser(ctx, octx.UserID())
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, &UnknownUserError{Context: octx, UserID: octx.UserID()}
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, &UnknownUserError{Context: octx, UserID: octx.UserID()}
	}
	return user, nil
}

// AdminService wraps handler so only admin users may call it. Calls
// without a user in their context are allowed.
func (c *Core) AdminService(handler ServiceHandler) ServiceHandler {
	return func(ctx context.Context, call *ServiceCall) error {
		if call.Context != nil && call.Context.UserID() != "" {
			user, err := c.activeUser(ctx, call.Context)
			if err != nil {
				return err
			}
			if !user.IsAdmin() {
				return &UnauthorizedError{Context: call.Context, UserID: user.ID, Permission: "admin"}
			}
		}
		return handler(ctx, call)
	}
}
