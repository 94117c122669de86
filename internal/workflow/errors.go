package workflow

import "fmt"

// SchemeIntegrityError indicates a scheme that references statuses it does
// not declare. The scheme is unusable until an administrator corrects it.
type SchemeIntegrityError struct {
	SchemeID string
	Reason   string
}

func (e SchemeIntegrityError) Error() string {
	return fmt.Sprintf("scheme %s integrity violation: %s", e.SchemeID, e.Reason)
}

// DuplicateTransitionError indicates two transitions with an identical
// (from, to, condition, required_permission) tuple in one scheme.
type DuplicateTransitionError struct {
	SchemeID   string
	FromStatus string
	ToStatus   string
}

func (e DuplicateTransitionError) Error() string {
	return fmt.Sprintf("scheme %s: duplicate transition %s → %s", e.SchemeID, e.FromStatus, e.ToStatus)
}

// IllegalTransitionError indicates the requested target is not in the
// currently-resolved legal set. Recoverable: the caller re-fetches the
// legal transitions against the fresh issue state.
type IllegalTransitionError struct {
	IssueID    string
	FromStatus string
	ToStatus   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("issue %s: transition %s → %s not available", e.IssueID, e.FromStatus, e.ToStatus)
}

// ConcurrentModificationError indicates the issue changed between
// resolution and the store write. Recoverable by retrying resolution.
type ConcurrentModificationError struct {
	IssueID string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("issue %s was modified concurrently", e.IssueID)
}

// StorageTimeoutError indicates the issue store did not answer within the
// executor's write deadline. No partial state is persisted.
type StorageTimeoutError struct {
	IssueID string
	Err     error
}

func (e StorageTimeoutError) Error() string {
	return fmt.Sprintf("issue %s: store write timed out: %v", e.IssueID, e.Err)
}

func (e StorageTimeoutError) Unwrap() error { return e.Err }
