package auth

import "slices"

// Permission represents a role-level capability.
type Permission string

const (
	PermServiceCall        Permission = "service:call"
	PermEventFire          Permission = "event:fire"
	PermEventSubscribeAll  Permission = "event:subscribe:all"
	PermStateWrite         Permission = "state:write"
	PermConfigManage       Permission = "config:manage"
	PermUserManage         Permission = "user:manage"
	PermUserManageAll      Permission = "user:manage:all"
	PermSystemAdmin        Permission = "system:admin"
	PermHistoryRead        Permission = "history:read"
	PermMetricsRead        Permission = "metrics:read"
	PermLongLivedTokenMint Permission = "token:long_lived"
)

// rolePermissions is the single source of truth for role capabilities.
// Entity level access is decided separately by Permissions.
var rolePermissions = map[Role][]Permission{
	RoleUser: {
		PermServiceCall,
		PermHistoryRead,
		PermLongLivedTokenMint,
	},
	RoleAdmin: {
		PermServiceCall,
		PermEventFire,
		PermEventSubscribeAll,
		PermStateWrite,
		PermConfigManage,
		PermUserManage,
		PermSystemAdmin,
		PermHistoryRead,
		PermMetricsRead,
		PermLongLivedTokenMint,
	},
	RoleOwner: {
		PermServiceCall,
		PermEventFire,
		PermEventSubscribeAll,
		PermStateWrite,
		PermConfigManage,
		PermUserManage,
		PermUserManageAll,
		PermSystemAdmin,
		PermHistoryRead,
		PermMetricsRead,
		PermLongLivedTokenMint,
	},
	RoleSystem: {
		PermServiceCall,
		PermEventFire,
		PermEventSubscribeAll,
		PermStateWrite,
		PermConfigManage,
		PermSystemAdmin,
		PermHistoryRead,
		PermMetricsRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}
