package rbac

import "strings"

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Can reports whether a project role allows the action. Owners manage the
// project and its members, editors change tasks, cards and attachments,
// viewers only read.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Effective resolves the caller's role on a project.
func Effective(userID, ownerID string, memberRole Role) Role {
	if userID != "" && userID == ownerID {
		return RoleOwner
	}
	switch memberRole {
	case RoleEditor, RoleViewer:
		return memberRole
	default:
		return RoleNone
	}
}

// ParseMemberRole accepts the roles a member can be granted. Ownership is
// never granted through membership.
func ParseMemberRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleEditor:
		return RoleEditor, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return RoleNone, false
	}
}
