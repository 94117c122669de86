package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agileflow/internal/domain"
)

// ErrVersionConflict is returned by TransitionStore implementations when
// the expected version no longer matches the stored issue.
var ErrVersionConflict = errors.New("issue version conflict")

// Effects are the issue mutations applied atomically with the status
// change. Beyond the status itself, the engine only touches issue fields
// through post-functions expressed here.
type Effects struct {
	// AddAssignee assigns the acting user when a previously-unassigned
	// issue enters an In Progress status.
	AddAssignee string
	// ResolvedAt stamps the resolution time when entering a Done status.
	ResolvedAt *string
}

// TransitionStore commits a transition: a compare-and-set on the issue's
// status/version plus the activity append, in one atomic write. It must
// return ErrVersionConflict when expectedVersion is stale, and on success
// the stored record with its assigned sequence number.
type TransitionStore interface {
	ApplyTransition(ctx context.Context, issueID, toStatus string, expectedVersion int64, effects Effects, rec domain.ActivityRecord) (domain.ActivityRecord, error)
}

// ExecutionResult reports a committed transition.
type ExecutionResult struct {
	Status   string                `json:"status"`
	Activity domain.ActivityRecord `json:"activity"`
}

const defaultWriteTimeout = 5 * time.Second

// Executor applies chosen transitions. It re-validates against the issue's
// current state so stale client-side transition lists cannot bypass the
// gate, and serializes concurrent executions on one issue through the
// store's version check.
type Executor struct {
	Store        TransitionStore
	Resolver     Resolver
	WriteTimeout time.Duration
	Now          func() time.Time
	NewID        func() string
}

func (e Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Executor) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.New().String()
}

// Execute re-resolves the legal transitions for the issue and, if
// targetStatus is among them, commits the status change together with
// exactly one activity record. On any failure nothing is applied.
func (e Executor) Execute(ctx context.Context, cat *Catalog, issue domain.Issue, targetStatus string, user UserContext, comment string) (ExecutionResult, error) {
	legal := e.Resolver.Resolve(cat, issue.Status, issue.Attributes(), user)
	var chosen *domain.Transition
	for i := range legal {
		if legal[i].ToStatus == targetStatus {
			chosen = &legal[i]
			break
		}
	}
	if chosen == nil {
		return ExecutionResult{}, IllegalTransitionError{IssueID: issue.ID, FromStatus: issue.Status, ToStatus: targetStatus}
	}

	now := e.now().UTC()
	rec := domain.ActivityRecord{
		ID:         e.newID(),
		IssueID:    issue.ID,
		Kind:       domain.ActivityStatusChanged,
		FromStatus: issue.Status,
		ToStatus:   targetStatus,
		ActorID:    user.ActorID,
		TS:         now.Format(time.RFC3339),
		Comment:    comment,
		Payload:    map[string]any{"transition": chosen.Label()},
	}

	effects := e.effectsFor(cat, issue, targetStatus, user, now)

	timeout := e.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stored, err := e.Store.ApplyTransition(writeCtx, issue.ID, targetStatus, issue.Version, effects, rec)
	switch {
	case err == nil:
		return ExecutionResult{Status: targetStatus, Activity: stored}, nil
	case errors.Is(err, ErrVersionConflict):
		return ExecutionResult{}, ConcurrentModificationError{IssueID: issue.ID}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return ExecutionResult{}, StorageTimeoutError{IssueID: issue.ID, Err: err}
	default:
		return ExecutionResult{}, err
	}
}

func (e Executor) effectsFor(cat *Catalog, issue domain.Issue, targetStatus string, user UserContext, now time.Time) Effects {
	var effects Effects
	target, ok := cat.Status(targetStatus)
	if !ok {
		return effects
	}
	switch target.Category {
	case domain.CategoryInProgress:
		if len(issue.Assignees) == 0 && user.ActorID != "" {
			effects.AddAssignee = user.ActorID
		}
	case domain.CategoryDone:
		ts := now.Format(time.RFC3339)
		effects.ResolvedAt = &ts
	}
	return effects
}
