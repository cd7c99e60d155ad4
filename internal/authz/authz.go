// Package authz defines the role lattice behind the document
// authorization predicate. Policy assignment itself lives in the
// document membership rows; this package only answers "can this role
// perform this action".
package authz

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleEvaluator Role = "evaluator"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

const (
	ActionRead      Action = "read"
	ActionEvaluate  Action = "evaluate"
	ActionSuggest   Action = "suggest"
	ActionReview    Action = "review"
	ActionRollback  Action = "rollback"
	ActionConfigure Action = "configure"
)

// Authorization is the result of the per-document permission check.
type Authorization struct {
	IsAdmin         bool
	IsOwner         bool
	PermissionLevel Role
}

func (a Authorization) Can(action Action) bool {
	return Can(a.PermissionLevel, action)
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action != ActionRollback
	case RoleEditor:
		return action == ActionRead || action == ActionEvaluate || action == ActionSuggest
	case RoleEvaluator:
		return action == ActionRead || action == ActionEvaluate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEvaluator, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// FromRole builds the predicate result for a membership role.
func FromRole(role string) Authorization {
	normalized := Normalize(role)
	return Authorization{
		IsAdmin:         normalized == RoleAdmin || normalized == RoleOwner,
		IsOwner:         normalized == RoleOwner,
		PermissionLevel: normalized,
	}
}
