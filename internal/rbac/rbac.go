package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionExport   Action = "export"
	ActionAnnotate Action = "annotate"
	ActionWrite    Action = "write"
	ActionAdmin    Action = "admin"
)

var rank = map[Role]int{
	RoleViewer:    1,
	RoleAnnotator: 2,
	RoleEditor:    3,
	RoleAdmin:     4,
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action != ActionAdmin
	case RoleAnnotator:
		return action == ActionRead || action == ActionExport || action == ActionAnnotate
	case RoleViewer:
		return action == ActionRead || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnnotator, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Cap returns requested when it does not exceed granted, and granted
// otherwise. A login may ask for less than its password allows.
func Cap(requested, granted Role) Role {
	r, ok := rank[requested]
	if !ok || r > rank[granted] {
		return granted
	}
	return requested
}
