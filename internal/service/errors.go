package service

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ValidationError reports a malformed or incomplete relay payload.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// MethodNotAllowedError is returned by the transport-method gate.
type MethodNotAllowedError struct {
	Method string
}

func (e *MethodNotAllowedError) Error() string {
	return "Method not allowed"
}

// PayloadTooLargeError is returned when the relay payload exceeds server.body_max_bytes.
type PayloadTooLargeError struct {
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(e.Limit)))
}

// ForbiddenHostError is returned when the target host is outside relay.allowed_hosts.
type ForbiddenHostError struct {
	Host string
}

func (e *ForbiddenHostError) Error() string {
	return fmt.Sprintf("target host %q is not allowed", e.Host)
}

// UpstreamError wraps any failure while dispatching the outbound request.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }
