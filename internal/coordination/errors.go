package coordination

import "errors"

var (
	ErrLockHeld      = errors.New("lock is already held")
	ErrLockTimeout   = errors.New("timed out waiting for lock")
	ErrSemaphoreFull = errors.New("semaphore is full")
)
