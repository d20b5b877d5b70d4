// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// InboundRequest is the caller's request as captured by the listener.
// It is immutable once captured; Body can be replayed any number of times.
type InboundRequest struct {
	Method   string
	Path     string // escaped path exactly as received
	RawQuery string // without the leading '?'
	Header   http.Header
	Body     *Payload
}

// UpstreamResponse is the upstream's answer with the body fully read.
// Any status code, including 4xx and 5xx, is a valid UpstreamResponse.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
