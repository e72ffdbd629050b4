package errs

import (
	"fmt"
	"strings"
)

// SyncErrors aggregates the per-item failures a sync pass accumulated across
// token refresh, pull, the lookup of instances to apply, and push without
// short-circuiting on the first one.
type SyncErrors struct {
	Errors []error
}

func (e *SyncErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("sync failed with %d error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the aggregated errors to errors.Is/As (Go 1.20 multi-error
// form).
func (e *SyncErrors) Unwrap() []error { return e.Errors }
