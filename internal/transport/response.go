package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response represents an HTTP response received from the transport client.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers contains the response headers.
	Headers http.Header

	// Body is the raw response body.
	Body []byte

	// Duration is the round-trip time for the request.
	Duration time.Duration

	// URL is the final URL after any redirects.
	URL string
}

// BodyString returns the response body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", r.URL, err)
	}
	return nil
}
