package rbac

// Role names carried in access tokens.
const (
	// RoleOperator may start the agent, place and hang up calls, and toggle panels.
	RoleOperator = "operator"
	// RoleViewer may read state, the event log and call history.
	RoleViewer = "viewer"
)

// Readers is every role allowed on read routes.
var Readers = []string{RoleOperator, RoleViewer}

func IsKnownRole(role string) bool {
	return role == RoleOperator || role == RoleViewer
}
