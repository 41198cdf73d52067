package task

import (
	"errors"
	"fmt"

	"github.com/phrazzld/scry-batch/internal/deferred"
)

var (
	// ErrNoValidItems is returned when decomposition leaves nothing to process.
	ErrNoValidItems = errors.New("no valid items to process")

	// ErrSchedulerBusy is returned when the scheduler lock is held elsewhere.
	// It wraps deferred.ErrRetryLater so a dispatcher re-runs the callback.
	ErrSchedulerBusy = fmt.Errorf("scheduler busy: %w", deferred.ErrRetryLater)

	// ErrBatchTimedOut marks a batch forced to fail by the timeout sweep.
	ErrBatchTimedOut = errors.New("batch timed out")

	// ErrJobTimedOut marks a job forced to fail by the timeout sweep.
	ErrJobTimedOut = errors.New("job timed out")

	// ErrJobFinished is returned when cancelling a job that is already terminal.
	ErrJobFinished = errors.New("job already finished")
)
