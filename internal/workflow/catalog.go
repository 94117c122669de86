package workflow

import (
	"agileflow/internal/domain"
)

// Catalog is an immutable snapshot of one workflow scheme. It is built once
// per load, validated, and safely shared across concurrent resolutions.
type Catalog struct {
	schemeID    string
	statusOrder []string
	statuses    map[string]domain.Status
	transitions []domain.Transition
}

// NewCatalog validates a scheme and returns its catalog. Every transition
// endpoint must reference a declared status, and no two transitions may
// share the full (from, to, condition, required_permission) tuple. Multiple
// transitions between the same status pair are legitimate as long as they
// differ in condition or permission. Self-transitions are allowed.
func NewCatalog(scheme domain.Scheme) (*Catalog, error) {
	c := &Catalog{
		schemeID: scheme.ID,
		statuses: make(map[string]domain.Status, len(scheme.Statuses)),
	}
	for _, s := range scheme.Statuses {
		if s.ID == "" {
			return nil, SchemeIntegrityError{SchemeID: scheme.ID, Reason: "status with empty id"}
		}
		if _, dup := c.statuses[s.ID]; dup {
			return nil, SchemeIntegrityError{SchemeID: scheme.ID, Reason: "status " + s.ID + " declared twice"}
		}
		c.statuses[s.ID] = s
		c.statusOrder = append(c.statusOrder, s.ID)
	}
	type transitionKey struct {
		from, to, condition, permission string
	}
	seen := make(map[transitionKey]bool, len(scheme.Transitions))
	for _, t := range scheme.Transitions {
		if _, ok := c.statuses[t.FromStatus]; !ok {
			return nil, SchemeIntegrityError{SchemeID: scheme.ID, Reason: "transition references unknown from_status " + t.FromStatus}
		}
		if _, ok := c.statuses[t.ToStatus]; !ok {
			return nil, SchemeIntegrityError{SchemeID: scheme.ID, Reason: "transition references unknown to_status " + t.ToStatus}
		}
		key := transitionKey{t.FromStatus, t.ToStatus, t.Condition, t.RequiredPermission}
		if seen[key] {
			return nil, DuplicateTransitionError{SchemeID: scheme.ID, FromStatus: t.FromStatus, ToStatus: t.ToStatus}
		}
		seen[key] = true
		c.transitions = append(c.transitions, t)
	}
	return c, nil
}

// SchemeID returns the id of the scheme this catalog was built from.
func (c *Catalog) SchemeID() string { return c.schemeID }

// Status looks up a status by id.
func (c *Catalog) Status(id string) (domain.Status, bool) {
	s, ok := c.statuses[id]
	return s, ok
}

// Statuses returns the scheme's statuses in declaration order.
func (c *Catalog) Statuses() []domain.Status {
	out := make([]domain.Status, 0, len(c.statusOrder))
	for _, id := range c.statusOrder {
		out = append(out, c.statuses[id])
	}
	return out
}

// Transitions returns all transitions in scheme insertion order.
func (c *Catalog) Transitions() []domain.Transition {
	out := make([]domain.Transition, len(c.transitions))
	copy(out, c.transitions)
	return out
}

// DefaultStatus returns the first To Do-category status, used as the
// initial status for new issues. Falls back to the first declared status.
func (c *Catalog) DefaultStatus() (domain.Status, bool) {
	for _, id := range c.statusOrder {
		if c.statuses[id].Category == domain.CategoryToDo {
			return c.statuses[id], true
		}
	}
	if len(c.statusOrder) == 0 {
		return domain.Status{}, false
	}
	return c.statuses[c.statusOrder[0]], true
}

// Diagram groups transitions by source status for visualization. Condition
// text is reduced to a presence flag.
func (c *Catalog) Diagram() domain.Diagram {
	d := domain.Diagram{
		Statuses:    c.Statuses(),
		Transitions: make(map[string][]domain.TransitionOption),
	}
	for _, t := range c.transitions {
		d.Transitions[t.FromStatus] = append(d.Transitions[t.FromStatus], domain.TransitionOption{
			Name:               t.Label(),
			ToStatus:           t.ToStatus,
			RequiredPermission: t.RequiredPermission,
			ConditionPresent:   t.Condition != "",
		})
	}
	return d
}
