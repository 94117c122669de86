package server

import (
	"agileflow/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

type CreateIssueRequest struct {
	Summary      string         `json:"summary"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type,omitempty" enum:"Task,Bug,Story,Epic"`
	Priority     string         `json:"priority,omitempty"`
	StoryPoints  *int           `json:"story_points,omitempty"`
	Assignees    []string       `json:"assignees,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type TransitionRequest struct {
	ToStatus string `json:"to_status"`
	Comment  string `json:"comment,omitempty"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

type EstimateRequest struct {
	StoryPoints *int `json:"story_points"`
}

type StatusDefinition struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category" enum:"To Do,In Progress,Done"`
	Color    string `json:"color,omitempty"`
}

type TransitionDefinition struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Name               string `json:"name,omitempty"`
	Condition          string `json:"condition,omitempty"`
	RequiredPermission string `json:"required_permission,omitempty"`
}

type ImportSchemeRequest struct {
	Name        string                 `json:"name,omitempty"`
	Statuses    []StatusDefinition     `json:"statuses"`
	Transitions []TransitionDefinition `json:"transitions"`
}

func (r ImportSchemeRequest) scheme() domain.Scheme {
	s := domain.Scheme{Name: r.Name}
	for _, st := range r.Statuses {
		name := st.Name
		if name == "" {
			name = st.ID
		}
		s.Statuses = append(s.Statuses, domain.Status{ID: st.ID, Name: name, Category: st.Category, Color: st.Color})
	}
	for _, t := range r.Transitions {
		s.Transitions = append(s.Transitions, domain.Transition{
			FromStatus:         t.From,
			ToStatus:           t.To,
			Name:               t.Name,
			Condition:          t.Condition,
			RequiredPermission: t.RequiredPermission,
		})
	}
	return s
}

type RoleGrantRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type TransitionResultResponse struct {
	Status   string                `json:"status"`
	Activity domain.ActivityRecord `json:"activity"`
}

type TransitionListResponse struct {
	Issue       string                    `json:"issue"`
	Status      string                    `json:"status"`
	Transitions []domain.TransitionOption `json:"transitions"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}
