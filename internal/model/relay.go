// Package model defines shared types for the relay.
package model

import "net/http"

// ProxyRequest is the decoded relay instruction sent by the caller.
type ProxyRequest struct {
	URL     string    `json:"url"`
	Method  string    `json:"method"`
	Headers HeaderSet `json:"headers"`
	Body    BodyValue `json:"body"`
}

// OutboundRequest is the sanitized request dispatched to the target.
type OutboundRequest struct {
	Method string
	URL    string
	Header HeaderSet
	Body   []byte // nil when no body is sent
}

// OutboundResponse is the target's response with its body fully read.
type OutboundResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RelayResult is the filtered response returned to the caller.
type RelayResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
