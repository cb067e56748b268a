package history

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/checkengine/internal/check"
)

func TestInsertSQL(t *testing.T) {
	q := InsertSQL("t", func(i int) string { return "$" + strconv.Itoa(i) })
	assert.Contains(t, q, "INSERT INTO t (id, occurred_at, command,")
	assert.Contains(t, q, "VALUES ($1, $2, $3,")
	assert.Contains(t, q, "stderr) VALUES")
	assert.True(t, strings.HasSuffix(q, "$15)"), q)
}

func TestEventRowMatchesColumns(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	e := NewEvent("check_disk", "raw", "/bin/check_disk -w 10", check.Result{
		CommandID: 7,
		StartTime: start,
		EndTime:   start.Add(time.Second),
		ExitCode:  check.StateWarning,
		Stdout:    "DISK WARNING",
		Executed:  true,
	})
	row := e.Row()
	require.Len(t, row, len(Columns))

	byName := make(map[string]any, len(row))
	for i, c := range Columns {
		byName[c] = row[i]
	}
	assert.Equal(t, e.ID, byName["id"])
	assert.Equal(t, int64(7), byName["command_id"])
	assert.Equal(t, "warning", byName["state"])
	assert.Equal(t, int32(check.StateWarning), byName["exit_code"])
	assert.Equal(t, time.UTC, byName["started_at"].(time.Time).Location())
	assert.Equal(t, "DISK WARNING", byName["stdout"])
}
