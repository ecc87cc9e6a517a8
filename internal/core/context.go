package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Context carries cause-tracking metadata for events, state changes and
// service calls. It is immutable: every accessor returns a copy of the
// value it was created with.
type Context struct {
	id       string
	parentID string
	userID   string
}

// NewContext returns a fresh context with a new 128-bit random id.
// userID and parentID may be empty.
func NewContext(userID, parentID string) *Context {
	return &Context{
		id:       newContextID(),
		parentID: parentID,
		userID:   userID,
	}
}

// RestoreContext rebuilds a context with a known id, for example when
// ingesting an event fired by a remote instance.
func RestoreContext(id, parentID, userID string) *Context {
	if id == "" {
		id = newContextID()
	}
	return &Context{id: id, parentID: parentID, userID: userID}
}

// newContextID renders a v4 UUID without dashes.
func newContextID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ID returns the unique id of this context.
func (c *Context) ID() string { return c.id }

// ParentID returns the id of the context that caused this one, or "".
func (c *Context) ParentID() string { return c.parentID }

// UserID returns the id of the user that triggered this context, or "".
func (c *Context) UserID() string { return c.userID }

// Child creates a downstream context: same user, parent set to c.
func (c *Context) Child() *Context {
	return NewContext(c.userID, c.id)
}

// Equal reports whether both contexts carry the same values.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}

type contextJSON struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// MarshalJSON renders {"id", "parent_id", "user_id"} with nulls for empty ids.
func (c *Context) MarshalJSON() ([]byte, error) {
	out := contextJSON{ID: c.id}
	if c.parentID != "" {
		p := c.parentID
		out.ParentID = &p
	}
	if c.userID != "" {
		u := c.userID
		out.UserID = &u
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the format written by MarshalJSON.
func (c *Context) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.id = in.ID
	if in.ParentID != nil {
		c.parentID = *in.ParentID
	}
	if in.UserID != nil {
		c.userID = *in.UserID
	}
	return nil
}

// ctxKey is a private type for context keys to avoid collisions.
type ctxKey struct{}

// WithContext attaches c to a Go context so handlers deep in a call chain
// can recover the cause of the work they are doing.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the Context attached by WithContext, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(ctxKey{}).(*Context) //nolint:errcheck // absent value yields nil
	return c
}
