package safe

import (
	"go.uber.org/zap"

	"chatcore/tools/errs"
)

// Go runs f on a new goroutine and logs a panic instead of crashing.
func Go(log *zap.Logger, name string, f func()) {
	go func() {
		defer Recover(log, name)
		f()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(log *zap.Logger, name string) {
	if r := recover(); r != nil {
		log.Error("panic recovered", zap.String("goroutine", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}
