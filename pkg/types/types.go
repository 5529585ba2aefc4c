// Package types defines the core interfaces and types for Net Probe.
package types

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Stage identifies a step of a probe iteration.
type Stage string

const (
	// StageSocket is the stream socket allocation step.
	StageSocket Stage = "socket"

	// StageResolve is the hostname resolution step.
	StageResolve Stage = "resolve"

	// StageConnect is the blocking TCP connect step.
	StageConnect Stage = "connect"

	// StageSend is the request write step.
	StageSend Stage = "send"

	// StageReceive is the bounded response read step.
	StageReceive Stage = "receive"

	// StageComplete marks an iteration that ran every step.
	StageComplete Stage = "complete"
)

// TimedStages lists the stages whose latency is recorded, in execution order.
var TimedStages = []Stage{StageResolve, StageConnect, StageSend, StageReceive}

// FailurePolicy decides what the probe loop does after a failed iteration.
type FailurePolicy string

const (
	// FailurePolicyAbort ends the loop on the first failure.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicyContinue logs the failure, waits the configured delay and
	// starts the next iteration.
	FailurePolicyContinue FailurePolicy = "continue"
)

// Endpoint is the target of a single iteration.
// It is created by resolution and discarded when the iteration ends.
type Endpoint struct {
	// Hostname is the configured host name.
	Hostname string `json:"hostname"`

	// Port is the TCP port in host byte order.
	Port int `json:"port"`

	// Address is the resolved IPv4 address, nil until resolution succeeds.
	Address *net.TCPAddr `json:"address,omitempty"`
}

// HostPort returns the configured "host:port" pair.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Hostname, strconv.Itoa(e.Port))
}

// IterationResult describes one pass of the probe loop.
type IterationResult struct {
	// Iteration is the 1-based sequence number of this pass.
	Iteration uint64 `json:"iteration"`

	// Endpoint is the target of this pass.
	Endpoint Endpoint `json:"endpoint"`

	// Stage is the last stage reached. StageComplete on success.
	Stage Stage `json:"stage"`

	// Err is the failure cause, nil on success.
	Err error `json:"-"`

	// Error is Err rendered for JSON consumers.
	Error string `json:"error,omitempty"`

	// BytesSent is the number of request bytes written.
	BytesSent int `json:"bytesSent"`

	// BytesReceived is the number of response bytes read into the buffer.
	BytesReceived int `json:"bytesReceived"`

	// Response holds exactly BytesReceived bytes copied from the transfer buffer.
	Response []byte `json:"-"`

	// Durations holds the latency of each timed stage that ran.
	Durations map[Stage]time.Duration `json:"durations,omitempty"`

	// StartedAt and FinishedAt bound the iteration, excluding the delay.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NewIterationResult creates an empty result for the given iteration.
func NewIterationResult(iteration uint64, endpoint Endpoint) *IterationResult {
	return &IterationResult{
		Iteration: iteration,
		Endpoint:  endpoint,
		Stage:     StageSocket,
		Durations: make(map[Stage]time.Duration, len(TimedStages)),
		StartedAt: time.Now(),
	}
}

// Fail records the failing stage and cause.
func (r *IterationResult) Fail(stage Stage, err error) {
	r.Stage = stage
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// Succeeded reports whether the iteration ran every step without error.
func (r *IterationResult) Succeeded() bool {
	return r.Err == nil && r.Stage == StageComplete
}

// EmptyResponse reports whether the peer closed without sending any bytes.
func (r *IterationResult) EmptyResponse() bool {
	return r.Succeeded() && r.BytesReceived == 0
}

// Reporter is the interface for components that observe probe iterations.
// Reporters publish results to external systems (Prometheus, health endpoints).
type Reporter interface {
	// ReportIteration publishes the outcome of one iteration.
	ReportIteration(ctx context.Context, result *IterationResult) error
}
