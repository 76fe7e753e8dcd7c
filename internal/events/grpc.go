package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted before a gRPC source calls its upstream.
// Source is the mesh source name; Target is the chosen endpoint.
type GRPCClientStart struct {
	Source  string
	Service string
	Method  string
	Target  string
}

// GRPCClientFinish is emitted once the upstream call returned.
type GRPCClientFinish struct {
	Source   string
	Service  string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
