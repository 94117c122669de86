package workflow

import (
	"log/slog"
	"time"

	"agileflow/internal/domain"
	"agileflow/internal/workflow/condition"
)

// Resolver computes the legal transition set for an issue/user pair.
// Resolution is pure and in-memory: it never mutates the catalog or the
// issue, so identical inputs always yield identical ordered output.
type Resolver struct {
	Log *slog.Logger
	Now func() time.Time
}

func (r Resolver) evaluator() condition.Evaluator {
	return condition.Evaluator{Log: r.Log, Now: r.Now}
}

// Resolve filters the catalog's transitions to those leaving fromStatus
// whose permission gate and condition both pass. Results keep catalog
// insertion order; callers wanting a display order sort explicitly. An
// empty result means fromStatus is terminal for this issue/user, which is
// not an error.
func (r Resolver) Resolve(cat *Catalog, fromStatus string, issue map[string]any, user UserContext) []domain.Transition {
	ev := r.evaluator()
	var out []domain.Transition
	for _, t := range cat.transitions {
		if t.FromStatus != fromStatus {
			continue
		}
		if !HasPermission(t.RequiredPermission, user) {
			continue
		}
		if t.Condition != "" && !ev.Evaluate(t.Condition, issue) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Options maps a resolved transition set to its caller-facing shape.
func Options(transitions []domain.Transition) []domain.TransitionOption {
	out := make([]domain.TransitionOption, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, domain.TransitionOption{
			Name:               t.Label(),
			ToStatus:           t.ToStatus,
			RequiredPermission: t.RequiredPermission,
			ConditionPresent:   t.Condition != "",
		})
	}
	return out
}
