package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// ExternalAPIError is a non-2xx answer from an upstream service.
type ExternalAPIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ExternalAPIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s API error: %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s API error: %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsCredentialFailure reports a rejected API key or auth code.
func (e *ExternalAPIError) IsCredentialFailure() bool {
	return e.StatusCode == fasthttp.StatusUnauthorized || e.StatusCode == fasthttp.StatusForbidden
}

func (e *ExternalAPIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == fasthttp.StatusTooManyRequests
}

// IsTransportError reports failures that never produced an HTTP response.
func IsTransportError(err error) bool {
	var netErr net.Error
	return errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) ||
		errors.As(err, &netErr)
}

type response struct {
	status int
	body   []byte
}

func do(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request) (*response, error) {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if deadline, ok := ctx.Deadline(); ok {
		if err := client.DoDeadline(req, resp, deadline); err != nil {
			return nil, err
		}
	} else {
		if err := client.Do(req, resp); err != nil {
			return nil, err
		}
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return &response{status: resp.StatusCode(), body: body}, nil
}

func doJSON[T any](ctx context.Context, client *fasthttp.Client, service string, req *fasthttp.Request) (*T, error) {
	resp, err := do(ctx, client, req)
	if err != nil {
		return nil, err
	}
	return decodeResponse[T](service, resp)
}

func decodeResponse[T any](service string, resp *response) (*T, error) {
	if resp.status < 200 || resp.status >= 300 {
		return nil, &ExternalAPIError{Service: service, StatusCode: resp.status, Body: truncate(string(resp.body), 256)}
	}

	var result T
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", service, err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
