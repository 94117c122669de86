package condition

import (
	"testing"
	"time"
)

func testEvaluator() Evaluator {
	return Evaluator{
		Now: func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func sampleAttrs() map[string]any {
	return map[string]any{
		"type":         "Bug",
		"priority":     "High",
		"story_points": 5,
		"status":       "In Progress",
		"assignees":    []string{"alice", "bob"},
		"due_date":     "2024-06-30",
		"reviewed":     true,
		"story_none":   nil,
	}
}

func TestEvaluate(t *testing.T) {
	ev := testEvaluator()
	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"type == 'Bug'", true},
		{"type == \"Task\"", false},
		{"type != 'Task'", true},
		{"story_points == 5", true},
		{"story_points >= 3 and story_points < 8", true},
		{"story_points != null", true},
		{"story_none != null", false},
		{"story_none == null", true},
		{"priority in ['High', 'Critical']", true},
		{"priority in ['Low', 'Medium']", false},
		{"priority not in ['Low', 'Medium']", true},
		{"'alice' in assignees", true},
		{"'carol' in assignees", false},
		{"len(assignees) == 2", true},
		{"len(assignees) > 0 and reviewed", true},
		{"not reviewed", false},
		{"type == 'Task' or priority == 'High'", true},
		{"due_date > today()", true},
		{"due_date < today()", false},
		{"(type == 'Bug' and priority == 'High') or reviewed == false", true},
	}
	for _, tc := range cases {
		if got := ev.Evaluate(tc.cond, sampleAttrs()); got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	ev := testEvaluator()
	// all of these are faults and must deny, not panic or error out
	cases := []string{
		"nonexistent == 'x'",          // unknown attribute
		"story_points == 'five'",      // type mismatch
		"story_points < 'five'",       // order mismatch
		"type",                        // non-boolean result
		"len(story_points) > 0",       // len of a number
		"story_points in priority",    // membership on non-list
		"type == 'Bug' and priority", // non-boolean operand
		"type ==",                     // parse error
		"foo(1)",                      // unknown function
		"type = 'Bug'",                // single = rejected
		"'unterminated",               // lexer error
	}
	for _, cond := range cases {
		if ev.Evaluate(cond, sampleAttrs()) {
			t.Errorf("Evaluate(%q) = true, want false (fail closed)", cond)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, cond := range []string{
		"type ==",
		"(type == 'Bug'",
		"type == 'Bug')",
		"in ['a']",
		"len(",
		"today(1) == today()",
	} {
		if _, err := Parse(cond); err == nil {
			// today(1) parses; its arity fault is a runtime fault
			if cond == "today(1) == today()" {
				continue
			}
			t.Errorf("Parse(%q) succeeded, want error", cond)
		}
	}
}

func TestParseAcceptsValid(t *testing.T) {
	for _, cond := range []string{
		"",
		"story_points != null",
		"priority in ['High'] and not (type == 'Epic')",
		"len(assignees) >= 1 or reporter == 'alice'",
		"due_date <= today()",
	} {
		if _, err := Parse(cond); err != nil {
			t.Errorf("Parse(%q): %v", cond, err)
		}
	}
}

func TestEvaluateIsPure(t *testing.T) {
	ev := testEvaluator()
	attrs := sampleAttrs()
	cond := "story_points >= 3 and 'alice' in assignees"
	first := ev.Evaluate(cond, attrs)
	for i := 0; i < 10; i++ {
		if ev.Evaluate(cond, attrs) != first {
			t.Fatalf("evaluation not deterministic")
		}
	}
	if attrs["story_points"] != 5 {
		t.Fatalf("attribute bag mutated")
	}
}
