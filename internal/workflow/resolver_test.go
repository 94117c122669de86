package workflow

import (
	"reflect"
	"testing"
	"time"

	"agileflow/internal/domain"
)

func testResolver() Resolver {
	return Resolver{Now: func() time.Time { return time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC) }}
}

func qaScheme() domain.Scheme {
	s := testScheme()
	s.Transitions = append(s.Transitions,
		domain.Transition{FromStatus: "In Progress", ToStatus: "Open", Name: "Reopen"},
		domain.Transition{FromStatus: "Done", ToStatus: "Open", Name: "Verify", RequiredPermission: "QA"},
	)
	return s
}

func TestResolveFiltersByFromStatus(t *testing.T) {
	cat, err := NewCatalog(qaScheme())
	if err != nil {
		t.Fatal(err)
	}
	r := testResolver()
	user := UserContext{ActorID: "alice", Roles: []string{"QA"}}
	for _, from := range []string{"Open", "In Progress", "Done"} {
		for _, tr := range r.Resolve(cat, from, map[string]any{"story_points": 3}, user) {
			if tr.FromStatus != from {
				t.Fatalf("resolved transition from %s when querying %s", tr.FromStatus, from)
			}
		}
	}
}

func TestResolveNullConditionNeverExcludes(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	r := testResolver()
	got := r.Resolve(cat, "Open", map[string]any{}, UserContext{ActorID: "alice"})
	if len(got) != 1 || got[0].ToStatus != "In Progress" {
		t.Fatalf("unconditioned transition missing: %+v", got)
	}
}

func TestResolveConditionGating(t *testing.T) {
	// In Progress → Done requires story_points != null
	cat, _ := NewCatalog(testScheme())
	r := testResolver()
	user := UserContext{ActorID: "alice"}

	issue := domain.Issue{ID: "i1", Status: "In Progress"}
	if got := r.Resolve(cat, "In Progress", issue.Attributes(), user); len(got) != 0 {
		t.Fatalf("expected empty set while story_points null, got %+v", got)
	}
	points := 5
	issue.StoryPoints = &points
	got := r.Resolve(cat, "In Progress", issue.Attributes(), user)
	if len(got) != 1 || got[0].ToStatus != "Done" {
		t.Fatalf("expected Done transition after estimation, got %+v", got)
	}
}

func TestResolvePermissionGating(t *testing.T) {
	cat, _ := NewCatalog(qaScheme())
	r := testResolver()
	attrs := map[string]any{"story_points": nil}

	without := r.Resolve(cat, "Done", attrs, UserContext{ActorID: "bob", Roles: []string{"Developer"}})
	if len(without) != 0 {
		t.Fatalf("QA-gated transition offered without role: %+v", without)
	}
	with := r.Resolve(cat, "Done", attrs, UserContext{ActorID: "carol", Roles: []string{"QA"}})
	if len(with) != 1 || with[0].Name != "Verify" {
		t.Fatalf("QA transition missing with role: %+v", with)
	}
	// empty user context fails closed
	if got := r.Resolve(cat, "Done", attrs, UserContext{}); len(got) != 0 {
		t.Fatalf("anonymous user offered gated transition: %+v", got)
	}
}

func TestResolveTerminalStatus(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	r := testResolver()
	if got := r.Resolve(cat, "Done", map[string]any{}, UserContext{ActorID: "alice"}); got != nil {
		t.Fatalf("terminal status resolved to %+v", got)
	}
}

func TestResolveIdempotentAndOrdered(t *testing.T) {
	s := qaScheme()
	s.Transitions = append(s.Transitions,
		domain.Transition{FromStatus: "Open", ToStatus: "Done", Name: "Fast-track"},
	)
	cat, err := NewCatalog(s)
	if err != nil {
		t.Fatal(err)
	}
	r := testResolver()
	user := UserContext{ActorID: "alice", Roles: []string{"QA"}}
	attrs := map[string]any{"story_points": 8}

	first := r.Resolve(cat, "Open", attrs, user)
	if len(first) != 2 || first[0].ToStatus != "In Progress" || first[1].ToStatus != "Done" {
		t.Fatalf("resolution not in catalog insertion order: %+v", first)
	}
	for i := 0; i < 5; i++ {
		if again := r.Resolve(cat, "Open", attrs, user); !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution not idempotent: %+v vs %+v", first, again)
		}
	}
}

func TestOptions(t *testing.T) {
	cat, _ := NewCatalog(testScheme())
	r := testResolver()
	points := 2
	issue := domain.Issue{Status: "In Progress", StoryPoints: &points}
	opts := Options(r.Resolve(cat, "In Progress", issue.Attributes(), UserContext{ActorID: "alice"}))
	if len(opts) != 1 {
		t.Fatalf("expected one option, got %+v", opts)
	}
	if !opts[0].ConditionPresent || opts[0].Name != "In Progress → Done" {
		t.Fatalf("option shape wrong: %+v", opts[0])
	}
}
