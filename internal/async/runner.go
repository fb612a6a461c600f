package async

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
)

// softLimit is the hard limit minus the margin, but never below 90% of it.
func softLimit(hard, margin time.Duration) time.Duration {
	soft := hard - margin
	if floor := hard / 10 * 9; soft < floor {
		soft = floor
	}
	return soft
}

// execute runs h under the soft and hard limits. The handler's context is
// cancelled with ErrSoftTimeLimit at the soft limit; if it still has not
// returned at the hard limit it is abandoned and ErrHardTimeLimit is returned.
func execute(ctx context.Context, h Handler, task Task, rep Reporter, hard, margin time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, softLimit(hard, margin), ErrSoftTimeLimit)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := h(ctx, task, rep)
		done <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(hard)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, ErrHardTimeLimit
	}
}

// errorKind classifies a handler error for the task record.
func errorKind(err error) constants.ErrorKind {
	var kinded interface{ Kind() constants.ErrorKind }
	switch {
	case errors.As(err, &kinded):
		return kinded.Kind()
	case errors.Is(err, ErrHardTimeLimit), errors.Is(err, ErrSoftTimeLimit):
		return constants.ErrorKindTimeout
	case errors.Is(err, ErrTaskRevoked):
		return constants.ErrorKindCancelled
	default:
		return constants.ErrorKindInternal
	}
}

// revokedContext is handed to tasks revoked before they started, so handlers
// can still release what the task owns without doing the work.
func revokedContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrTaskRevoked)
	return ctx
}
