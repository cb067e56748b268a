package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/history"
)

func testEvent(command string, code int) history.Event {
	start := time.Now().Add(-time.Second).UTC()
	return history.NewEvent(command, "raw", "/usr/lib/plugins/check_ping -H localhost", check.Result{
		CommandID: 42,
		StartTime: start,
		EndTime:   start.Add(300 * time.Millisecond),
		ExitCode:  code,
		Stdout:    "PING OK",
		Executed:  true,
	})
}

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := t.TempDir() + "/test.db"

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	for _, code := range []int{check.StateOK, check.StateCritical} {
		if err := sink.Send(ctx, testEvent("check_ping", code)); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}
	n, err := sink.Count(ctx, "check_ping")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	var state, status string
	var timedOut bool
	err = sink.db.QueryRowContext(ctx,
		`SELECT state, status, timed_out FROM `+history.Table+` WHERE command = ? ORDER BY occurred_at DESC LIMIT 1`,
		"check_ping").Scan(&state, &status, &timedOut)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state != "critical" || status != "normal" || timedOut {
		t.Fatalf("unexpected row: state=%s status=%s timed_out=%t", state, status, timedOut)
	}
}

func TestSQLiteSink_ResendIsIgnored(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := testEvent("check_load", check.StateOK)
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("resend: %v", err)
	}
	n, err := sink.Count(context.Background(), "check_load")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the resent event once, got %d rows", n)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, testEvent("check_users", check.StateOK)); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
