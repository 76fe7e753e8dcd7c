package events

import "time"

// GraphQLStart is emitted when the server hands an operation to the mesh.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
	Variables     map[string]any
}

// GraphQLFinish is emitted once the mesh answered. For streams (subscriptions
// and live queries) it marks the stream being opened, and Errors is empty
// unless the operation was rejected.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	Stream        bool
	Errors        []error
	Duration      time.Duration
}
