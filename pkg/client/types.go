package client

import "time"

// CheckRequest asks the daemon to run one of its commands.
type CheckRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Timeout overrides the command's own when positive.
	Timeout time.Duration `json:"-"`
}

// CheckResult is the outcome of a check run by the daemon.
type CheckResult struct {
	Command    string    `json:"command"`
	CommandID  uint64    `json:"command_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	ExitCode   int       `json:"exit_code"`
	State      string    `json:"state"`
	Status     string    `json:"status"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	TimedOut   bool      `json:"timed_out"`
	Executed   bool      `json:"executed"`
	DurationMS float64   `json:"duration_ms"`
}

// CommandInfo describes a command registered on the daemon.
type CommandInfo struct {
	Name        string        `json:"name"`
	CommandLine string        `json:"command_line"`
	Runner      string        `json:"runner"`
	Timeout     time.Duration `json:"timeout"`
}

// ConnectorInfo is a snapshot of a connector process.
type ConnectorInfo struct {
	Name        string `json:"name"`
	CommandLine string `json:"command_line"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Version     string `json:"version,omitempty"`
	Pending     int    `json:"pending"`
	Restarts    uint64 `json:"restarts"`
	Sent        int    `json:"sent_since_start"`
}

// Usage is one resource sample of a connector process.
type Usage struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
