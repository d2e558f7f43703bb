package rbac

type Role string
type Action string

const (
	RoleParent Role = "parent"
	RoleFamily Role = "family"
	RoleFriend Role = "friend"
)

const (
	ActionRead       Action = "read"
	ActionContribute Action = "contribute"
	ActionUpload     Action = "upload"
	ActionEdit       Action = "edit"
	ActionManage     Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleParent:
		return true
	case RoleFamily:
		return action == ActionRead || action == ActionContribute || action == ActionUpload
	case RoleFriend:
		return action == ActionRead || action == ActionContribute
	default:
		return false
	}
}

// Normalize maps unknown role strings to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleParent, RoleFamily, RoleFriend:
		return Role(role)
	default:
		return RoleFriend
	}
}

// Valid reports whether role is one of the assignable roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleParent, RoleFamily, RoleFriend:
		return true
	default:
		return false
	}
}
