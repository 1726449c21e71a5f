package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermStateRead      Permission = "state:read"
	PermDeviceOperate  Permission = "device:operate"
	PermSettingsManage Permission = "settings:manage"
	PermScheduleManage Permission = "schedule:manage"
	PermEventsRead     Permission = "events:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStateRead,
		PermEventsRead,
	},
	RoleOperator: {
		PermStateRead,
		PermEventsRead,
		PermDeviceOperate,
		PermSettingsManage,
		PermScheduleManage,
	},
}

// HasPermission checks whether role is granted perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns every permission of role.
func PermissionsForRole(role Role) []Permission {
	return append([]Permission(nil), rolePermissions[role]...)
}
