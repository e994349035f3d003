package service

import (
	"context"
	"errors"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/api"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/coordination"
	"github.com/pivo-v-banke/pvb-cs2-core/internal/demo"

	"github.com/sony/gobreaker/v2"
)

var (
	ErrDuplicateParsing = errors.New("match code already parsed or in progress")
	ErrUnresolvedMatch  = errors.New("match could not be resolved by the steam connector")
	ErrInvalidMatchCode = errors.New("invalid match code")
	ErrInvalidContext   = errors.New("invalid pipeline context")
)

// IsRetryable reports whether a failed stage may succeed when run again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var dlErr *demo.DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.Retryable()
	}

	var apiErr *api.ExternalAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, coordination.ErrLockTimeout) ||
		errors.Is(err, coordination.ErrSemaphoreFull) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		api.IsTransportError(err)
}
