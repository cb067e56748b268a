package history

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/checkengine/internal/check"
)

// Event is one finished check exported to external systems.
type Event struct {
	ID          string       `json:"id"`
	OccurredAt  time.Time    `json:"occurred_at"`
	Command     string       `json:"command"`
	Runner      string       `json:"runner"`
	CommandLine string       `json:"command_line"`
	Result      check.Result `json:"result"`
}

// NewEvent stamps r with a fresh id and the current time.
func NewEvent(command, runner, commandLine string, r check.Result) Event {
	return Event{
		ID:          uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		Command:     command,
		Runner:      runner,
		CommandLine: commandLine,
		Result:      r,
	}
}

// State returns the service state name of the result.
func (e Event) State() string { return e.Result.State() }

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the default table or index name used by the sinks.
const Table = "check_history"

// Columns is the row layout of the SQL sinks.
var Columns = []string{
	"id", "occurred_at", "command", "runner", "command_line", "command_id", "state",
	"exit_code", "status", "timed_out", "executed", "started_at", "ended_at", "stdout", "stderr",
}

// Row returns the values of e in Columns order.
func (e Event) Row() []any {
	r := e.Result
	return []any{
		e.ID, e.OccurredAt.UTC(), e.Command, e.Runner, e.CommandLine, int64(r.CommandID), e.State(),
		int32(r.ExitCode), r.Status.String(), r.TimedOut, r.Executed, r.StartTime.UTC(), r.EndTime.UTC(),
		r.Stdout, r.Stderr,
	}
}

// InsertSQL builds an INSERT of Columns into table. placeholder renders the
// i-th (1-based) bind parameter.
func InsertSQL(table string, placeholder func(i int) string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO " + table + " (" + strings.Join(Columns, ", ") + ") VALUES (")
	for i := range Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}
