// Package httpclient centralizes outbound HTTP client construction so every
// call from the controller to a worker carries an explicit timeout (spec
// §5: "Every outbound HTTP call has an explicit timeout").
package httpclient

import (
	"net/http"
	"time"
)

// New returns an *http.Client whose Timeout is timeout, falling back to a
// conservative default when timeout is non-positive.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
