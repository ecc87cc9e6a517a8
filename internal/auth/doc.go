// Package auth provides users, tokens and entity permissions for the
// Open Peer Power core.
//
// Authentication follows a refresh/access token model:
//   - Refresh tokens are long-lived random strings; only their SHA-256
//     hash is stored.
//   - Access tokens are short-lived HS256 JWTs whose subject is the id of
//     the refresh token that minted them, so revoking a refresh token
//     invalidates every access token derived from it.
//   - Passwords are hashed with Argon2id.
//   - An optional legacy API password authenticates as a system-generated
//     admin user.
//
// Authorisation has two layers. Roles grant coarse capabilities such as
// subscribing to every event type. Entity policies, stored per user in
// user_entity_access, grant read, control and edit on all entities, on
// whole domains or on single entity ids. Admin and owner roles bypass
// entity policies.
package auth
