// Package transport is the HTTP layer used for every call to the scanning
// engine's REST API.
package transport

import "time"

// Request represents an HTTP request to be sent by the transport client.
type Request struct {
	// Method is the HTTP method (GET, POST, ...).
	Method string

	// URL is the absolute request URL.
	URL string

	// Body is the request body content.
	Body []byte

	// ContentType is the Content-Type header value.
	ContentType string

	// Timeout overrides the client-level timeout for this specific
	// request. Zero means use the client default.
	Timeout time.Duration
}
