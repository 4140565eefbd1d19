package models

// PermissionModules is the fixed set of feature modules that receive
// baseline permissions in every new tenant database.
var PermissionModules = []string{
	"leads",
	"students",
	"appointments",
	"tasks",
	"messages",
	"notes",
	"documents",
	"courses",
	"enrollments",
	"payments",
	"reports",
	"cms",
	"users",
	"roles",
	"permissions",
	"settings",
}

// PermissionActions are the CRUD actions granted per module.
var PermissionActions = []string{
	"create",
	"read",
	"update",
	"delete",
}

// AdminRoleName is the name of the full-access role seeded into each tenant.
const AdminRoleName = "Administrator"

// Permission is a single {module, action} grant.
type Permission struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

// Key returns the canonical "module:action" form.
func (p Permission) Key() string {
	return p.Module + ":" + p.Action
}

// BaselinePermissions expands PermissionModules × PermissionActions.
func BaselinePermissions() []Permission {
	perms := make([]Permission, 0, len(PermissionModules)*len(PermissionActions))
	for _, m := range PermissionModules {
		for _, a := range PermissionActions {
			perms = append(perms, Permission{Module: m, Action: a})
		}
	}
	return perms
}
