package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agileflow/internal/activity"
	"agileflow/internal/config"
	"agileflow/internal/domain"
	"agileflow/internal/engine/auth"
	"agileflow/internal/repo"
	"agileflow/internal/workflow"
	"agileflow/internal/workflow/condition"
)

// Engine wires the workflow core to storage and exposes the operations
// the server and CLI share.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Auth     auth.Service
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) resolver() workflow.Resolver {
	return workflow.Resolver{Log: e.log(), Now: e.Now}
}

// InitProject creates a project from config, seeding its workflow scheme
// and role catalog. Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, cfg *config.Config, actorID string) (domain.Project, error) {
	if cfg == nil {
		return domain.Project{}, errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, err
	}
	scheme := cfg.DomainScheme()
	if _, err := e.buildCatalog(scheme); err != nil {
		return domain.Project{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:        cfg.Project.ID,
		Key:       cfg.Project.Key,
		Name:      cfg.Project.Name,
		SchemeID:  scheme.ID,
		CreatedAt: now,
	}
	if p.Name == "" {
		p.Name = p.Key
	}
	scheme.CreatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertScheme(ctx, tx, scheme); err != nil {
		return domain.Project{}, fmt.Errorf("insert scheme: %w", err)
	}
	for role, def := range cfg.RBAC {
		if err := e.Repo.InsertRole(ctx, tx, role, def.Description); err != nil {
			return domain.Project{}, err
		}
	}
	if actorID != "" {
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "project", p.ID, "key", p.Key, "scheme", scheme.ID)
	return p, nil
}

// buildCatalog validates a scheme, including each transition's condition
// syntax, and returns the compiled catalog.
func (e Engine) buildCatalog(s domain.Scheme) (*workflow.Catalog, error) {
	for _, t := range s.Transitions {
		if t.Condition == "" {
			continue
		}
		if _, err := condition.Parse(t.Condition); err != nil {
			return nil, workflow.SchemeIntegrityError{
				SchemeID: s.ID,
				Reason:   fmt.Sprintf("transition %s → %s has invalid condition: %v", t.FromStatus, t.ToStatus, err),
			}
		}
	}
	return workflow.NewCatalog(s)
}

// ImportScheme replaces a project's scheme after full validation. Issues
// sitting on statuses the new scheme drops keep their status; they simply
// have no outgoing transitions until moved by a scheme that knows them.
func (e Engine) ImportScheme(ctx context.Context, projectID string, s domain.Scheme) (*workflow.Catalog, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = p.SchemeID
	}
	s.ProjectID = p.ID
	cat, err := e.buildCatalog(s)
	if err != nil {
		return nil, err
	}
	if s.CreatedAt == "" {
		s.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertScheme(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Info("scheme imported", "project", p.ID, "scheme", s.ID,
		"statuses", len(s.Statuses), "transitions", len(s.Transitions))
	return cat, nil
}

// LoadCatalog loads and compiles a project's active scheme.
func (e Engine) LoadCatalog(ctx context.Context, projectID string) (*workflow.Catalog, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	schemeID := p.SchemeID
	if schemeID == "" {
		schemeID = "default"
	}
	s, err := e.Repo.LoadScheme(ctx, p.ID, schemeID)
	if err != nil {
		return nil, err
	}
	return e.buildCatalog(s)
}

// GetScheme returns a project's stored scheme definition.
func (e Engine) GetScheme(ctx context.Context, projectID string) (domain.Scheme, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Scheme{}, err
	}
	schemeID := p.SchemeID
	if schemeID == "" {
		schemeID = "default"
	}
	return e.Repo.LoadScheme(ctx, p.ID, schemeID)
}

// Diagram returns the read-only visualization of a project's scheme.
func (e Engine) Diagram(ctx context.Context, projectID string) (domain.Diagram, error) {
	cat, err := e.LoadCatalog(ctx, projectID)
	if err != nil {
		return domain.Diagram{}, err
	}
	return cat.Diagram(), nil
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ProjectID    string
	Summary      string
	Description  string
	Type         string
	Priority     string
	StoryPoints  *int
	Assignees    []string
	CustomFields map[string]any
	ActorID      string
}

// CreateIssue creates an issue on the scheme's default status with a
// generated sequential key.
func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if opts.Summary == "" {
		return domain.Issue{}, errors.New("summary is required")
	}
	if opts.ProjectID == "" {
		return domain.Issue{}, errors.New("project is required")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Issue{}, err
	}
	cat, err := e.LoadCatalog(ctx, p.ID)
	if err != nil {
		return domain.Issue{}, err
	}
	def, ok := cat.DefaultStatus()
	if !ok {
		return domain.Issue{}, workflow.SchemeIntegrityError{SchemeID: cat.SchemeID(), Reason: "scheme has no statuses"}
	}
	if opts.Type == "" {
		opts.Type = "Task"
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.NextIssueNumber(ctx, tx, p.ID, p.Key)
	if err != nil {
		return domain.Issue{}, err
	}
	issue := domain.Issue{
		ID:           uuid.New().String(),
		ProjectID:    p.ID,
		Key:          fmt.Sprintf("%s-%d", p.Key, n),
		Summary:      opts.Summary,
		Description:  opts.Description,
		Type:         opts.Type,
		Priority:     opts.Priority,
		StoryPoints:  opts.StoryPoints,
		Reporter:     opts.ActorID,
		Assignees:    opts.Assignees,
		Status:       def.ID,
		Version:      1,
		CustomFields: opts.CustomFields,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if opts.ActorID != "" {
		if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
			return domain.Issue{}, err
		}
	}
	rec := domain.ActivityRecord{
		IssueID: issue.ID,
		Kind:    domain.ActivityCreated,
		ActorID: opts.ActorID,
		TS:      now,
		Payload: map[string]any{"key": issue.Key, "status": issue.Status},
	}
	if _, err := e.Activity.Append(ctx, tx, rec); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	e.log().Info("issue created", "issue", issue.Key, "status", issue.Status)
	return issue, nil
}

func (e Engine) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	return e.Repo.GetIssueByKey(ctx, key)
}

func (e Engine) ListIssues(ctx context.Context, f repo.IssueFilters) ([]domain.Issue, error) {
	return e.Repo.ListIssues(ctx, f)
}

// UserContextFor loads the acting user's role grants for a project and
// merges in any roles asserted by the caller's credentials (JWT claims).
func (e Engine) UserContextFor(ctx context.Context, projectID, actorID string, claimRoles ...string) (workflow.UserContext, error) {
	if actorID == "" {
		return workflow.UserContext{}, nil
	}
	roles, err := e.Repo.ActorRoles(ctx, projectID, actorID)
	if err != nil {
		return workflow.UserContext{}, err
	}
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		seen[r] = struct{}{}
	}
	for _, r := range claimRoles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return workflow.UserContext{ActorID: actorID, Roles: roles}, nil
}

// AvailableTransitions resolves the legal transitions for an issue as seen
// by the acting user.
func (e Engine) AvailableTransitions(ctx context.Context, issueKey, actorID string, claimRoles ...string) ([]domain.TransitionOption, error) {
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	cat, err := e.LoadCatalog(ctx, issue.ProjectID)
	if err != nil {
		return nil, err
	}
	user, err := e.UserContextFor(ctx, issue.ProjectID, actorID, claimRoles...)
	if err != nil {
		return nil, err
	}
	legal := e.resolver().Resolve(cat, issue.Status, issue.Attributes(), user)
	return workflow.Options(legal), nil
}

// TransitionIssue moves an issue to targetStatus if a legal transition
// allows it, committing the status change and its activity atomically.
func (e Engine) TransitionIssue(ctx context.Context, issueKey, targetStatus, actorID, comment string, claimRoles ...string) (workflow.ExecutionResult, error) {
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return workflow.ExecutionResult{}, err
	}
	cat, err := e.LoadCatalog(ctx, issue.ProjectID)
	if err != nil {
		return workflow.ExecutionResult{}, err
	}
	user, err := e.UserContextFor(ctx, issue.ProjectID, actorID, claimRoles...)
	if err != nil {
		return workflow.ExecutionResult{}, err
	}
	ex := workflow.Executor{
		Store:    repo.TransitionStore{Repo: e.Repo, Now: e.Now},
		Resolver: e.resolver(),
		Now:      e.Now,
	}
	res, err := ex.Execute(ctx, cat, issue, targetStatus, user, comment)
	if err != nil {
		return workflow.ExecutionResult{}, err
	}
	e.log().Info("issue transitioned", "issue", issue.Key,
		"from", issue.Status, "to", res.Status, "actor", actorID)
	return res, nil
}

// AssignIssue adds an assignee, recording the change.
func (e Engine) AssignIssue(ctx context.Context, issueKey, assignee, actorID string) (domain.Issue, error) {
	if assignee == "" {
		return domain.Issue{}, errors.New("assignee is required")
	}
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return domain.Issue{}, err
	}
	for _, a := range issue.Assignees {
		if a == assignee {
			return issue, nil
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	updated := issue
	updated.Assignees = append(append([]string{}, issue.Assignees...), assignee)
	updated.UpdatedAt = now
	if err := e.Repo.UpdateIssueFields(ctx, tx, updated); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Issue{}, workflow.ConcurrentModificationError{IssueID: issue.ID}
		}
		return domain.Issue{}, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, assignee); err != nil {
		return domain.Issue{}, err
	}
	rec := domain.ActivityRecord{
		IssueID: issue.ID,
		Kind:    domain.ActivityAssigned,
		ActorID: actorID,
		TS:      now,
		Payload: map[string]any{"assignee": assignee},
	}
	if _, err := e.Activity.Append(ctx, tx, rec); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	updated.Version = issue.Version + 1
	return updated, nil
}

// EstimateIssue sets or clears story points.
func (e Engine) EstimateIssue(ctx context.Context, issueKey string, points *int, actorID string) (domain.Issue, error) {
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return domain.Issue{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	updated := issue
	updated.StoryPoints = points
	updated.UpdatedAt = now
	if err := e.Repo.UpdateIssueFields(ctx, tx, updated); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Issue{}, workflow.ConcurrentModificationError{IssueID: issue.ID}
		}
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	updated.Version = issue.Version + 1
	return updated, nil
}

// CommentIssue appends a comment to the issue's activity stream.
func (e Engine) CommentIssue(ctx context.Context, issueKey, actorID, comment string) (domain.ActivityRecord, error) {
	if comment == "" {
		return domain.ActivityRecord{}, errors.New("comment is required")
	}
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.ActivityRecord{
		ID:      uuid.New().String(),
		IssueID: issue.ID,
		Kind:    domain.ActivityCommented,
		ActorID: actorID,
		TS:      now,
		Comment: comment,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	defer tx.Rollback()
	rec, err = e.Activity.Append(ctx, tx, rec)
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActivityRecord{}, err
	}
	return rec, nil
}

// ListActivity returns an issue's activity newest-first.
func (e Engine) ListActivity(ctx context.Context, issueKey string, limit int) ([]domain.ActivityRecord, error) {
	issue, err := e.Repo.GetIssueByKey(ctx, issueKey)
	if err != nil {
		return nil, err
	}
	return e.Activity.ListByIssue(ctx, issue.ID, limit)
}

// GrantRole grants a project role to an actor, creating the role row if
// the config declared it but no project seeded it yet.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, role string) error {
	if actorID == "" || role == "" {
		return errors.New("actor and role are required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.InsertRole(ctx, tx, role, ""); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, role); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role granted", "project", projectID, "actor", actorID, "role", role)
	return nil
}

// RevokeRole removes a project role grant.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, role string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, role); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("role revoked", "project", projectID, "actor", actorID, "role", role)
	return nil
}

// CreateAPIKey mints an API key for an actor and returns the plaintext
// once. Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor_id required")
	}
	plaintext := "afk_" + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}
