package types

import "errors"

// Error kinds surfaced across the engine. Callers discriminate with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	// ErrNotFound: get/update/delete on an unknown id. Returned as a
	// logical failure (success=false), never as a 5xx.
	ErrNotFound = errors.New("not found")

	// ErrScopeDenied: caller tried to clear a protected scope.
	ErrScopeDenied = errors.New("scope denied")

	// ErrBudgetExceeded: LLM operation refused by the budget manager.
	// Non-fatal; callers degrade to a cheaper path.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrRateLimited: provider returned 429 and internal retries were
	// exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation: malformed input or missing required field.
	ErrValidation = errors.New("validation error")

	// ErrIndexCorrupt: snapshot or WAL unreadable beyond recovery. Loads
	// proceed with the most-recent-consistent state.
	ErrIndexCorrupt = errors.New("index corruption")
)
