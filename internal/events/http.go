package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the GraphQL endpoint receives a request.
// RequestID is the incoming X-Request-Id or a generated one.
type HTTPStart struct {
	Request   *http.Request
	RequestID string
}

// HTTPFinish is emitted after the response was written. For event streams
// that is when the stream ends.
type HTTPFinish struct {
	Request   *http.Request
	RequestID string
	Status    int
	Duration  time.Duration
}
