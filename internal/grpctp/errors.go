package grpctp

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"google.golang.org/grpc/status"
)

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by calls on a closed transport.
	ErrClosed = errors.New("grpctp: closed")
)

// CallError is a failed call. It keeps the gRPC status and exposes it as
// GraphQL error extensions.
type CallError struct {
	Service  string
	Method   string
	Endpoint string
	Status   *status.Status
	err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Service, e.Method, e.Status.Message())
}

func (e *CallError) Unwrap() error { return e.err }

// GRPCStatus lets status.Code and status.FromError see through the wrapper.
func (e *CallError) GRPCStatus() *status.Status { return e.Status }

// Extensions returns the status code in SCREAMING_SNAKE_CASE, e.g.
// "NOT_FOUND", with the called method.
func (e *CallError) Extensions() map[string]any {
	return map[string]any{
		"code":    screamingSnake(e.Status.Code().String()),
		"service": e.Service,
		"method":  e.Method,
	}
}

// screamingSnake splits words at lower-to-upper boundaries, so "OK" stays
// "OK" and "NotFound" becomes "NOT_FOUND".
func screamingSnake(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		if unicode.IsUpper(r) && unicode.IsLower(prev) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
		prev = r
	}
	return strings.ToUpper(b.String())
}
