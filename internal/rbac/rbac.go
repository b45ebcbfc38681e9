package rbac

import (
	"strings"

	"threadsync/api/internal/discussion"
)

type Role string
type Action string

const (
	RoleAnonymous  Role = "anonymous"
	RoleCommenter  Role = "commenter"
	RoleMaintainer Role = "maintainer"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionReact   Action = "react"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	// ActionModerate covers deleting entries written by someone else.
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleMaintainer:
		return true
	case RoleCommenter:
		return action != ActionModerate
	case RoleAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

// RoleOf derives the viewer's role from sign-in state and thread association.
func RoleOf(viewer discussion.Viewer) Role {
	switch {
	case strings.TrimSpace(viewer.Login) == "":
		return RoleAnonymous
	case viewer.Association.IsMaintainer():
		return RoleMaintainer
	default:
		return RoleCommenter
	}
}

// CanEntry decides whether viewer may perform action on entry. Authors edit and
// delete their own entries; maintainers may also delete anyone's. Nobody acts on
// an entry that is still provisional.
func CanEntry(viewer discussion.Viewer, entry discussion.Entry, action Action) bool {
	if entry.Provisional {
		return false
	}
	role := RoleOf(viewer)
	own := strings.EqualFold(entry.Author.Login, viewer.Login) && entry.Author.Login != discussion.GhostAuthor.Login
	switch action {
	case ActionEdit:
		return own && Can(role, ActionEdit)
	case ActionDelete:
		if own {
			return Can(role, ActionDelete)
		}
		return Can(role, ActionModerate)
	default:
		return Can(role, action)
	}
}
