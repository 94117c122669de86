package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agileflow/internal/domain"
)

// memStore is an in-memory TransitionStore with the same compare-and-set
// discipline the sqlite repo implements.
type memStore struct {
	mu       sync.Mutex
	issues   map[string]*domain.Issue
	activity []domain.ActivityRecord
}

func newMemStore(issues ...domain.Issue) *memStore {
	s := &memStore{issues: make(map[string]*domain.Issue)}
	for _, i := range issues {
		cp := i
		s.issues[i.ID] = &cp
	}
	return s
}

func (s *memStore) ApplyTransition(ctx context.Context, issueID, toStatus string, expectedVersion int64, effects Effects, rec domain.ActivityRecord) (domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return rec, errors.New("issue not found")
	}
	if issue.Version != expectedVersion {
		return rec, ErrVersionConflict
	}
	issue.Status = toStatus
	issue.Version++
	if effects.AddAssignee != "" {
		issue.Assignees = append(issue.Assignees, effects.AddAssignee)
	}
	if effects.ResolvedAt != nil {
		issue.ResolvedAt = effects.ResolvedAt
	}
	rec.Seq = int64(len(s.activity) + 1)
	s.activity = append(s.activity, rec)
	return rec, nil
}

type blockingStore struct{}

func (blockingStore) ApplyTransition(ctx context.Context, issueID, toStatus string, expectedVersion int64, effects Effects, rec domain.ActivityRecord) (domain.ActivityRecord, error) {
	<-ctx.Done()
	return rec, ctx.Err()
}

func fixedNow() time.Time { return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC) }

func newExecutor(store TransitionStore) Executor {
	n := 0
	return Executor{
		Store:    store,
		Resolver: Resolver{Now: fixedNow},
		Now:      fixedNow,
		NewID: func() string {
			n++
			return "act-" + string(rune('0'+n))
		},
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	cat, err := NewCatalog(testScheme())
	if err != nil {
		t.Fatal(err)
	}
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	store := newMemStore(issue)
	ex := newExecutor(store)

	res, err := ex.Execute(context.Background(), cat, issue, "In Progress", UserContext{ActorID: "alice"}, "picking this up")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "In Progress" {
		t.Fatalf("result status = %s", res.Status)
	}
	stored := store.issues["i1"]
	if stored.Status != "In Progress" || stored.Version != 2 {
		t.Fatalf("issue not committed: %+v", stored)
	}
	if len(store.activity) != 1 {
		t.Fatalf("expected exactly one activity record, got %d", len(store.activity))
	}
	rec := store.activity[0]
	if rec.FromStatus != "Open" || rec.ToStatus != "In Progress" || rec.ActorID != "alice" || rec.Comment != "picking this up" {
		t.Fatalf("activity record wrong: %+v", rec)
	}
	// the result carries the record as stored, including its sequence
	if res.Activity.Seq != rec.Seq || res.Activity.Seq == 0 {
		t.Fatalf("result seq = %d, stored seq = %d", res.Activity.Seq, rec.Seq)
	}
	// In Progress post-function assigned the actor
	if len(stored.Assignees) != 1 || stored.Assignees[0] != "alice" {
		t.Fatalf("auto-assign missing: %+v", stored.Assignees)
	}
}

func TestExecuteIllegalTransition(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	store := newMemStore(issue)
	ex := newExecutor(store)

	_, err := ex.Execute(context.Background(), cat, issue, "Done", UserContext{ActorID: "alice"}, "")
	var ite IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if store.issues["i1"].Status != "Open" || len(store.activity) != 0 {
		t.Fatalf("failed execute must not apply anything")
	}
}

func TestExecutePermissionDeniedIsIllegal(t *testing.T) {
	s := testScheme()
	s.Transitions = append(s.Transitions, domain.Transition{FromStatus: "Open", ToStatus: "Done", RequiredPermission: "QA"})
	cat, err := NewCatalog(s)
	if err != nil {
		t.Fatal(err)
	}
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	ex := newExecutor(newMemStore(issue))

	_, err = ex.Execute(context.Background(), cat, issue, "Done", UserContext{ActorID: "bob", Roles: []string{"Developer"}}, "")
	var ite IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("gated transition must fail as illegal, got %v", err)
	}
	res, err := ex.Execute(context.Background(), cat, issue, "Done", UserContext{ActorID: "carol", Roles: []string{"QA"}}, "")
	if err != nil {
		t.Fatalf("QA user should transition: %v", err)
	}
	if res.Activity.ActorID != "carol" {
		t.Fatalf("activity actor = %s", res.Activity.ActorID)
	}
}

func TestExecuteConcurrentConflict(t *testing.T) {
	cat, _ := NewCatalog(qaScheme())
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	store := newMemStore(issue)
	ex := newExecutor(store)
	ex.NewID = nil // concurrent; uuid instead of the counting stub

	var wg sync.WaitGroup
	results := make([]error, 2)
	targets := []string{"In Progress", "In Progress"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ex.Execute(context.Background(), cat, issue, targets[i], UserContext{ActorID: "alice"}, "")
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range results {
		var cme ConcurrentModificationError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &cme):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("want exactly one success and one conflict, got %d/%d", successes, conflicts)
	}
	if len(store.activity) != 1 {
		t.Fatalf("conflicting execute must not append activity, got %d records", len(store.activity))
	}
}

func TestExecuteStaleSnapshot(t *testing.T) {
	cat, _ := NewCatalog(qaScheme())
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	store := newMemStore(issue)
	ex := newExecutor(store)

	if _, err := ex.Execute(context.Background(), cat, issue, "In Progress", UserContext{ActorID: "alice"}, ""); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	// second execute against the stale snapshot
	_, err := ex.Execute(context.Background(), cat, issue, "In Progress", UserContext{ActorID: "bob"}, "")
	var cme ConcurrentModificationError
	if !errors.As(err, &cme) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
}

func TestExecuteStorageTimeout(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	issue := domain.Issue{ID: "i1", Status: "Open", Version: 1}
	ex := newExecutor(blockingStore{})
	ex.WriteTimeout = 20 * time.Millisecond

	_, err := ex.Execute(context.Background(), cat, issue, "In Progress", UserContext{ActorID: "alice"}, "")
	var ste StorageTimeoutError
	if !errors.As(err, &ste) {
		t.Fatalf("expected StorageTimeoutError, got %v", err)
	}
}

func TestExecuteDoneStampsResolvedAt(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	points := 3
	issue := domain.Issue{ID: "i1", Status: "In Progress", Version: 1, StoryPoints: &points, Assignees: []string{"alice"}}
	store := newMemStore(issue)
	ex := newExecutor(store)

	if _, err := ex.Execute(context.Background(), cat, issue, "Done", UserContext{ActorID: "alice"}, ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
	stored := store.issues["i1"]
	if stored.ResolvedAt == nil {
		t.Fatalf("resolved_at not stamped")
	}
	if len(stored.Assignees) != 1 {
		t.Fatalf("assignees must be untouched on Done: %+v", stored.Assignees)
	}
}
