package chat

import "fmt"

// AuthError means the credentials were rejected. Recovered locally and
// shown inline; never changes session state.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ValidationError means a submitted form was missing or invalid fields.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// TransportError means the live channel dropped or could not be
// re-established within the configured retry budget.
type TransportError struct {
	ConversationID int64
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed for conversation %d: %v", e.ConversationID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WriteError means message persistence failed. The optimistic entry stays
// in the log, marked failed.
type WriteError struct {
	ConversationID int64
	Err            error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("message write failed for conversation %d: %v", e.ConversationID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
