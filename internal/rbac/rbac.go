package rbac

type Role string
type Action string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionSubmit      Action = "submit"
	ActionGenerate    Action = "generate"
	ActionManageForms Action = "manage_forms"
	ActionManageUsers Action = "manage_users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleClient:
		return action == ActionRead || action == ActionSubmit || action == ActionGenerate
	default:
		return false
	}
}

// Normalize maps unknown roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}
