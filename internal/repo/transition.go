package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agileflow/internal/activity"
	"agileflow/internal/domain"
	"agileflow/internal/workflow"
)

// TransitionStore adapts the repo to the executor's commit contract: one
// transaction covering the compare-and-set status update, the side effects,
// and the activity append.
type TransitionStore struct {
	Repo Repo
	Now  func() time.Time
}

func (s TransitionStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s TransitionStore) ApplyTransition(ctx context.Context, issueID, toStatus string, expectedVersion int64, effects workflow.Effects, rec domain.ActivityRecord) (domain.ActivityRecord, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		toStatus, now, issueID, expectedVersion)
	if err != nil {
		return rec, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rec, workflow.ErrVersionConflict
	}

	if effects.AddAssignee != "" {
		if err := s.addAssignee(ctx, tx, issueID, effects.AddAssignee); err != nil {
			return rec, err
		}
	}
	if effects.ResolvedAt != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE issues SET resolved_at=? WHERE id=?`, *effects.ResolvedAt, issueID); err != nil {
			return rec, err
		}
	}

	w := activity.Writer{DB: s.Repo.DB, Now: s.Now}
	rec, err = w.Append(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s TransitionStore) addAssignee(ctx context.Context, tx *sql.Tx, issueID, actorID string) error {
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT assignees_json FROM issues WHERE id=?`, issueID).Scan(&raw); err != nil {
		return err
	}
	var assignees []string
	if err := json.Unmarshal([]byte(raw), &assignees); err != nil {
		return err
	}
	for _, a := range assignees {
		if a == actorID {
			return nil
		}
	}
	assignees = append(assignees, actorID)
	data, err := json.Marshal(assignees)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE issues SET assignees_json=? WHERE id=?`, string(data), issueID)
	return err
}
