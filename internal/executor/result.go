package executor

// GraphQLError represents an error that occurred during execution
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ExecutionResult represents the result of executing a GraphQL query
type ExecutionResult struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// Response is either a single result or a stream of results. Stream is
// closed by the producer.
type Response struct {
	Result *ExecutionResult
	Stream <-chan *ExecutionResult
}

// IsStream reports whether the response carries a stream.
func (r *Response) IsStream() bool { return r != nil && r.Stream != nil }

// ErrorResult builds a data-less result from messages.
func ErrorResult(messages ...string) *ExecutionResult {
	errs := make([]GraphQLError, len(messages))
	for i, m := range messages {
		errs[i] = GraphQLError{Message: m}
	}
	return &ExecutionResult{Errors: errs}
}
