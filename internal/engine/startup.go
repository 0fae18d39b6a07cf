package engine

import (
	"context"
	"fmt"
	"io"
)

// NotRunningError means the backend could not be reached.
type NotRunningError struct {
	Backend string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("local inference engine %s is not running", e.Backend)
}

// EnsureReady checks that e is reachable and that every named model is
// available, pulling the missing ones. Empty and repeated names are ignored.
// Pull progress is written to w, one line per status change.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return &NotRunningError{Backend: e.Name()}
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if !e.HasModel(ctx, model) {
			fmt.Fprintf(w, "%s: pulling %s\n", e.Name(), model)
			if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "%s: %s ready\n", e.Name(), model)
	}
	return nil
}

// progressPrinter reports a pull, printing a percentage only when it moves
// by at least ten points or the status text changes.
func progressPrinter(w io.Writer) func(PullProgress) {
	lastStatus, lastPct := "", -10
	return func(p PullProgress) {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Completed * 100 / p.Total)
		}
		if p.Status == lastStatus && (pct < 0 || pct-lastPct < 10) {
			return
		}
		lastStatus, lastPct = p.Status, pct
		if pct >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
			return
		}
		fmt.Fprintf(w, "  %s\n", p.Status)
	}
}
