// Package apierr defines the gateway's error taxonomy. Handlers map
// these onto HTTP statuses and a JSON {"error": ...} body; no failure
// is ever allowed to escape a handler undecorated.
package apierr

import (
	"errors"
	"fmt"
)

// NotFoundError: no endpoint could be resolved, or a unified model name
// matched no registered endpoint.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What
}

// ValidationError: the caller's request is malformed (missing model,
// bad composite id).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// UpstreamError: a provider answered with a non-2xx status.
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("upstream error: status %d", e.Status)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Endpoint, e.Status)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
