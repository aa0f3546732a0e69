package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermStateRead    Permission = "state:read"
	PermStateOperate Permission = "state:operate"
	PermSequence     Permission = "sequence:run"
	PermOptimize     Permission = "sampler:run"
	PermPersist      Permission = "snapshot:write"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStateRead,
	},
	RoleOperator: {
		PermStateRead,
		PermStateOperate,
		PermSequence,
		PermOptimize,
		PermPersist,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
