package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceOperate Permission = "device:operate"
	PermDeviceAbort   Permission = "device:abort"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleObserver: {
		PermDeviceRead,
		PermDeviceAbort,
	},
	RoleUser: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceAbort,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
