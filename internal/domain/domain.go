package domain

// Status categories, mirrored in the statuses table.
const (
	CategoryToDo       = "To Do"
	CategoryInProgress = "In Progress"
	CategoryDone       = "Done"
)

type Project struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SchemeID    string `json:"scheme_id,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Status struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category" enum:"To Do,In Progress,Done"`
	Color    string `json:"color,omitempty"`
}

type Transition struct {
	FromStatus         string `json:"from_status"`
	ToStatus           string `json:"to_status"`
	Name               string `json:"name,omitempty"`
	Condition          string `json:"condition,omitempty"`
	RequiredPermission string `json:"required_permission,omitempty"`
}

// Label returns the transition's display name, derived when absent.
func (t Transition) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.FromStatus + " → " + t.ToStatus
}

type Scheme struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Name        string       `json:"name"`
	Statuses    []Status     `json:"statuses"`
	Transitions []Transition `json:"transitions"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type Issue struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Key          string         `json:"key"`
	Summary      string         `json:"summary"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type"`
	Priority     string         `json:"priority,omitempty"`
	StoryPoints  *int           `json:"story_points,omitempty"`
	Reporter     string         `json:"reporter"`
	Assignees    []string       `json:"assignees,omitempty"`
	Status       string         `json:"status"`
	Version      int64          `json:"version"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	ResolvedAt   *string        `json:"resolved_at,omitempty" format:"date-time"`
}

// Attributes flattens the issue into the bag consumed by transition
// conditions. Custom fields cannot shadow the built-in keys.
func (i Issue) Attributes() map[string]any {
	bag := map[string]any{
		"key":      i.Key,
		"summary":  i.Summary,
		"type":     i.Type,
		"priority": i.Priority,
		"reporter": i.Reporter,
		"project":  i.ProjectID,
		"status":   i.Status,
	}
	for k, v := range i.CustomFields {
		if _, taken := bag[k]; !taken {
			bag[k] = v
		}
	}
	assignees := make([]any, len(i.Assignees))
	for n, a := range i.Assignees {
		assignees[n] = a
	}
	bag["assignees"] = assignees
	if i.StoryPoints != nil {
		bag["story_points"] = *i.StoryPoints
	} else {
		bag["story_points"] = nil
	}
	return bag
}

type ActivityRecord struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	IssueID    string         `json:"issue_id"`
	Kind       string         `json:"kind"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts" format:"date-time"`
	Comment    string         `json:"comment,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Activity kinds.
const (
	ActivityCreated       = "created"
	ActivityStatusChanged = "status_changed"
	ActivityAssigned      = "assigned"
	ActivityCommented     = "commented"
)

// TransitionOption is the caller-facing shape of a legal transition.
// Condition text is deliberately not exposed, only its presence.
type TransitionOption struct {
	Name               string `json:"transition_name"`
	ToStatus           string `json:"to_status"`
	RequiredPermission string `json:"required_permission,omitempty"`
	ConditionPresent   bool   `json:"condition_present"`
}

// Diagram is the read-only visualization payload for a scheme.
type Diagram struct {
	Statuses    []Status                      `json:"statuses"`
	Transitions map[string][]TransitionOption `json:"transitions"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
