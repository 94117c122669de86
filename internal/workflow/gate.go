package workflow

// UserContext identifies the acting user and their effective roles for one
// project. It is passed explicitly into every resolution and execution;
// the engine never consults ambient session state.
type UserContext struct {
	ActorID string
	Roles   []string
}

// HasPermission reports whether the user may take a transition gated by
// required. An empty requirement gates nothing. An empty user context
// fails closed.
func HasPermission(required string, user UserContext) bool {
	if required == "" {
		return true
	}
	if user.ActorID == "" {
		return false
	}
	for _, r := range user.Roles {
		if r == required {
			return true
		}
	}
	return false
}
