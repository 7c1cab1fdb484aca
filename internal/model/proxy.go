// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest describes one call to be forwarded to the backend.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is relative to the backend base URL, e.g. "/scan/42".
	Path   string
	Token  string
	Header http.Header
	Body   io.Reader
	// ContentLength is -1 when unknown.
	ContentLength int64
}

// ProxyResponse represents the backend response to be relayed.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Envelope is the result shape the gateway produces itself, for errors and
// synthesized acknowledgements.
type Envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// NewEnvelope returns an Envelope with a null data field.
func NewEnvelope(status int, message string) Envelope {
	return Envelope{Status: status, Message: message}
}
