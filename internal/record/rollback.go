package record

import (
	"context"

	"go.uber.org/zap"
)

// undoStep is one completed write-path step and its compensating action.
type undoStep struct {
	name string
	undo func(ctx context.Context) error
}

// rollback reverses completed steps in the opposite order they were
// performed: index row first, then document, then any held lock.
//
// Rollback is best-effort: a failed undo is logged and counted but never
// replaces the original error — the caller always sees what actually went
// wrong, plus whether cleanup fully succeeded.
type rollback struct {
	steps  []undoStep
	logger *zap.Logger
}

// push registers a completed step. Steps are undone LIFO.
func (r *rollback) push(name string, undo func(ctx context.Context) error) {
	r.steps = append(r.steps, undoStep{name: name, undo: undo})
}

// run executes all undo actions in reverse order and reports whether every
// one of them succeeded.
func (r *rollback) run(ctx context.Context, trigger Step) bool {
	rollbacksTotal.WithLabelValues(string(trigger)).Inc()

	clean := true
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if err := s.undo(ctx); err != nil {
			clean = false
			rollbackFailures.Inc()
			r.logger.Error("rollback step failed",
				zap.String("step", s.name),
				zap.String("trigger", string(trigger)),
				zap.Error(err))
			continue
		}
		r.logger.Debug("rolled back step", zap.String("step", s.name))
	}
	r.steps = nil
	return clean
}
