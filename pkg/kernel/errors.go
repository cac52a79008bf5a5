package kernel

import "errors"

var (
	// The following sentinels name failure cases for callers that want to
	// distinguish them. The operations in this package report these cases
	// as a false or nil result instead, and none of them returns these
	// values.

	// ErrDuplicateProcess names a submit of an already-tracked id; Submit
	// treats that case as idempotent and returns the existing PCB.
	ErrDuplicateProcess = errors.New("kernel: duplicate process id")

	// ErrUnknownProcess names an operation on a PID the Process Table has
	// never seen or has already cleaned up.
	ErrUnknownProcess = errors.New("kernel: unknown process id")

	// ErrNotRunnable names a next-runnable pop that did not surface the
	// process the caller expected.
	ErrNotRunnable = errors.New("kernel: process not runnable")

	// ErrInterruptMismatch names a resume whose interrupt id is unknown or
	// does not belong to the process; ResumeRequest returns false then.
	ErrInterruptMismatch = errors.New("kernel: interrupt response mismatch or unknown interrupt")

	// ErrCannotTerminateRunning names a Terminate against a RUNNING PCB
	// without force=true; Terminate returns false then.
	ErrCannotTerminateRunning = errors.New("kernel: cannot_terminate_running")

	// ErrQuotaAlreadyAllocated is returned by Allocate for a PID already tracked.
	ErrQuotaAlreadyAllocated = errors.New("kernel: quota already allocated")
)
