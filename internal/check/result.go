// Package check holds the types shared by every way of executing a check:
// the result record, command id allocation and the completion listener.
package check

import (
	"sync/atomic"
	"time"
)

// Service states a check plugin reports through its exit code.
const (
	StateOK       = 0
	StateWarning  = 1
	StateCritical = 2
	StateUnknown  = 3
)

// Status describes how the executed process ended.
type Status int

const (
	StatusNormal Status = iota
	StatusCrash
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusCrash:
		return "crash"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is the outcome of one check execution. It is not modified once it
// has been handed to the caller.
type Result struct {
	CommandID uint64    `json:"command_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ExitCode  int       `json:"exit_code"`
	Status    Status    `json:"status"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	TimedOut  bool      `json:"timed_out"`
	Executed  bool      `json:"executed"`
}

// Duration returns the wall time between start and end.
func (r Result) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// State returns the service state name matching the exit code.
func (r Result) State() string {
	switch r.ExitCode {
	case StateOK:
		return "ok"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClampExitCode maps exit codes outside [StateOK, StateUnknown] to StateUnknown.
func ClampExitCode(code int) int {
	if code < StateOK || code > StateUnknown {
		return StateUnknown
	}
	return code
}

// Listener receives results of checks started asynchronously. Finished is
// called from an internal goroutine and must not block for long.
type Listener interface {
	Finished(Result)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Result)

func (f ListenerFunc) Finished(r Result) { f(r) }

// IDGenerator hands out process-unique, monotonically increasing command ids.
// The zero value is ready to use; the first id is 1.
type IDGenerator struct {
	last atomic.Uint64
}

// Next returns a fresh command id.
func (g *IDGenerator) Next() uint64 { return g.last.Add(1) }
