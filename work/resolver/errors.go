package resolver

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError wraps transport failures: DNS, refused connections, timeouts, truncated bodies.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ResolutionError is returned when an endpoint answers with a non-2xx status.
type ResolutionError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Endpoint, e.Status, e.Body)
}

// ParseError is returned when a 2xx body cannot be decoded or lacks required fields.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse error: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Kind classifies err into a short label used in logs and metrics.
func Kind(err error) string {
	var (
		netErr   *NetworkError
		resErr   *ResolutionError
		parseErr *ParseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &resErr):
		return "resolution_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &netErr):
		return "network_error"
	default:
		return "unknown"
	}
}
