package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agileflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,key,name,description,scheme_id,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Key, p.Name, p.Description, p.SchemeID, p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Description, &p.SchemeID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const projectCols = `id,key,name,description,scheme_id,created_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByKey(ctx context.Context, key string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE key=?`, key))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Key, &p.Name, &p.Description, &p.SchemeID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertScheme replaces a project's scheme definition wholesale. Status and
// transition rows keep their declared order through sort_order/position.
func (r Repo) UpsertScheme(ctx context.Context, tx *sql.Tx, s domain.Scheme) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheme_transitions WHERE project_id=? AND scheme_id=?`, s.ProjectID, s.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheme_statuses WHERE project_id=? AND scheme_id=?`, s.ProjectID, s.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_schemes WHERE project_id=? AND id=?`, s.ProjectID, s.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_schemes(id,project_id,name,created_at) VALUES (?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, s.CreatedAt); err != nil {
		return err
	}
	for i, st := range s.Statuses {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scheme_statuses(project_id,scheme_id,id,name,category,color,sort_order) VALUES (?,?,?,?,?,?,?)`,
			s.ProjectID, s.ID, st.ID, st.Name, st.Category, st.Color, i); err != nil {
			return err
		}
	}
	for i, t := range s.Transitions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scheme_transitions(project_id,scheme_id,position,from_status,to_status,name,condition,required_permission) VALUES (?,?,?,?,?,?,?,?)`,
			s.ProjectID, s.ID, i, t.FromStatus, t.ToStatus, t.Name, t.Condition, t.RequiredPermission); err != nil {
			return err
		}
	}
	return nil
}

// LoadScheme rebuilds a scheme in its declared order.
func (r Repo) LoadScheme(ctx context.Context, projectID, schemeID string) (domain.Scheme, error) {
	var s domain.Scheme
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,created_at FROM workflow_schemes WHERE project_id=? AND id=?`, projectID, schemeID).
		Scan(&s.ID, &s.ProjectID, &s.Name, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,category,color FROM scheme_statuses WHERE project_id=? AND scheme_id=? ORDER BY sort_order`, projectID, schemeID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.Status
		if err := rows.Scan(&st.ID, &st.Name, &st.Category, &st.Color); err != nil {
			return s, err
		}
		s.Statuses = append(s.Statuses, st)
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	trows, err := r.DB.QueryContext(ctx, `SELECT from_status,to_status,name,condition,required_permission FROM scheme_transitions WHERE project_id=? AND scheme_id=? ORDER BY position`, projectID, schemeID)
	if err != nil {
		return s, err
	}
	defer trows.Close()
	for trows.Next() {
		var t domain.Transition
		if err := trows.Scan(&t.FromStatus, &t.ToStatus, &t.Name, &t.Condition, &t.RequiredPermission); err != nil {
			return s, err
		}
		s.Transitions = append(s.Transitions, t)
	}
	return s, trows.Err()
}

const issueCols = `id,project_id,key,summary,description,type,priority,story_points,reporter,assignees_json,status,version,custom_fields_json,created_at,updated_at,resolved_at`

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	assignees, custom, err := encodeIssueJSON(i)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.Key, i.Summary, i.Description, i.Type, i.Priority, nullableIntPtr(i.StoryPoints),
		i.Reporter, assignees, i.Status, i.Version, custom, i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.ResolvedAt))
	return err
}

func encodeIssueJSON(i domain.Issue) (assignees, custom string, err error) {
	a := i.Assignees
	if a == nil {
		a = []string{}
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return "", "", err
	}
	c := i.CustomFields
	if c == nil {
		c = map[string]any{}
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", "", err
	}
	return string(ab), string(cb), nil
}

type issueScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row issueScanner) (domain.Issue, error) {
	var i domain.Issue
	var points sql.NullInt64
	var resolvedAt sql.NullString
	var assignees, custom string
	err := row.Scan(&i.ID, &i.ProjectID, &i.Key, &i.Summary, &i.Description, &i.Type, &i.Priority, &points,
		&i.Reporter, &assignees, &i.Status, &i.Version, &custom, &i.CreatedAt, &i.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if points.Valid {
		p := int(points.Int64)
		i.StoryPoints = &p
	}
	if resolvedAt.Valid {
		i.ResolvedAt = &resolvedAt.String
	}
	if err := json.Unmarshal([]byte(assignees), &i.Assignees); err != nil {
		return i, fmt.Errorf("decode assignees for %s: %w", i.ID, err)
	}
	if custom != "" && custom != "{}" {
		if err := json.Unmarshal([]byte(custom), &i.CustomFields); err != nil {
			return i, fmt.Errorf("decode custom fields for %s: %w", i.ID, err)
		}
	}
	return i, nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueByKey(ctx context.Context, key string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE key=?`, key))
}

type IssueFilters struct {
	ProjectID string
	Status    string
	Assignee  string
	Limit     int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignees_json LIKE ?")
		args = append(args, `%"`+f.Assignee+`"%`)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueCols + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// NextIssueNumber returns the next sequential number for a project's issue
// keys. Runs in the caller's insert transaction so two creates cannot draw
// the same number.
func (r Repo) NextIssueNumber(ctx context.Context, tx *sql.Tx, projectID, projectKey string) (int, error) {
	prefixLen := len(projectKey) + 2 // substr is 1-based and skips the dash
	var max int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(substr(key, ?) AS INTEGER)),0) FROM issues WHERE project_id=?`,
		prefixLen, projectID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// UpdateIssueFields persists assignee and custom-field edits outside the
// transition path, bumping the version.
func (r Repo) UpdateIssueFields(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	assignees, custom, err := encodeIssueJSON(i)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE issues SET summary=?, description=?, priority=?, story_points=?, assignees_json=?, custom_fields_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		i.Summary, i.Description, i.Priority, nullableIntPtr(i.StoryPoints), assignees, custom, i.UpdatedAt, i.ID, i.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
