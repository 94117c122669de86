package workflow

import (
	"errors"
	"testing"

	"agileflow/internal/domain"
)

func testScheme() domain.Scheme {
	return domain.Scheme{
		ID:        "default",
		ProjectID: "proj-1",
		Name:      "Default",
		Statuses: []domain.Status{
			{ID: "Open", Name: "Open", Category: domain.CategoryToDo},
			{ID: "In Progress", Name: "In Progress", Category: domain.CategoryInProgress},
			{ID: "Done", Name: "Done", Category: domain.CategoryDone},
		},
		Transitions: []domain.Transition{
			{FromStatus: "Open", ToStatus: "In Progress"},
			{FromStatus: "In Progress", ToStatus: "Done", Condition: "story_points != null"},
		},
	}
}

func TestNewCatalog(t *testing.T) {
	cat, err := NewCatalog(testScheme())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if got := len(cat.Transitions()); got != 2 {
		t.Fatalf("expected 2 transitions, got %d", got)
	}
	if _, ok := cat.Status("Open"); !ok {
		t.Fatalf("status Open missing")
	}
	def, ok := cat.DefaultStatus()
	if !ok || def.ID != "Open" {
		t.Fatalf("default status = %v, want Open", def.ID)
	}
}

func TestNewCatalogDanglingReference(t *testing.T) {
	s := testScheme()
	s.Transitions = append(s.Transitions, domain.Transition{FromStatus: "Open", ToStatus: "Missing"})
	_, err := NewCatalog(s)
	var ie SchemeIntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected SchemeIntegrityError, got %v", err)
	}
}

func TestNewCatalogDuplicateTransition(t *testing.T) {
	s := testScheme()
	s.Transitions = append(s.Transitions, domain.Transition{FromStatus: "Open", ToStatus: "In Progress"})
	_, err := NewCatalog(s)
	var de DuplicateTransitionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DuplicateTransitionError, got %v", err)
	}
}

func TestNewCatalogAllowsConditionalSiblings(t *testing.T) {
	// same (from, to) pair twice is fine when the gates differ
	s := testScheme()
	s.Transitions = append(s.Transitions,
		domain.Transition{FromStatus: "Open", ToStatus: "In Progress", RequiredPermission: "QA"},
		domain.Transition{FromStatus: "Open", ToStatus: "In Progress", Condition: "priority == 'High'"},
	)
	if _, err := NewCatalog(s); err != nil {
		t.Fatalf("conditional siblings rejected: %v", err)
	}
}

func TestNewCatalogAllowsSelfTransition(t *testing.T) {
	s := testScheme()
	s.Transitions = append(s.Transitions, domain.Transition{FromStatus: "Open", ToStatus: "Open", Name: "Re-trigger"})
	if _, err := NewCatalog(s); err != nil {
		t.Fatalf("self transition rejected: %v", err)
	}
}

func TestCatalogDiagram(t *testing.T) {
	cat, err := NewCatalog(testScheme())
	if err != nil {
		t.Fatal(err)
	}
	d := cat.Diagram()
	if len(d.Statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(d.Statuses))
	}
	open := d.Transitions["Open"]
	if len(open) != 1 || open[0].ToStatus != "In Progress" {
		t.Fatalf("unexpected Open transitions: %+v", open)
	}
	if open[0].Name != "Open → In Progress" {
		t.Fatalf("derived name = %q", open[0].Name)
	}
	inProgress := d.Transitions["In Progress"]
	if len(inProgress) != 1 || !inProgress[0].ConditionPresent {
		t.Fatalf("condition presence not reported: %+v", inProgress)
	}
}
