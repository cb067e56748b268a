package connector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/checkengine/internal/check"
	"github.com/loykin/checkengine/internal/protocol"
)

// maxFrameSize bounds one frame read by Serve.
const maxFrameSize = 16 << 20

// Handler executes the checks received by Serve. Returning a
// *protocol.ErrorResponse sends it to the engine instead of an
// execute_response; any other error reports the check as not executed.
type Handler interface {
	Execute(ctx context.Context, q *protocol.ExecuteQuery) (*protocol.ExecuteResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, q *protocol.ExecuteQuery) (*protocol.ExecuteResponse, error)

func (f HandlerFunc) Execute(ctx context.Context, q *protocol.ExecuteQuery) (*protocol.ExecuteResponse, error) {
	return f(ctx, q)
}

// ServeOptions configures Serve.
type ServeOptions struct {
	// Version is reported in version_response. Zero means ProtocolVersion.
	Version Version
	// MaxConcurrent bounds the checks executed at once. Zero means 64.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Serve speaks the connector side of the protocol: it reads queries from r
// and writes responses to w until a quit_query, EOF or ctx cancellation.
// Checks run concurrently; Serve returns once they have all answered.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler, opts ServeOptions) error {
	if opts.Version == (Version{}) {
		opts.Version = ProtocolVersion
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, opts.MaxConcurrent)
	)
	defer wg.Wait()

	send := func(req protocol.Request) {
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := w.Write(req.Encode()); err != nil {
			log.Warn("Failed to write response", "type", req.Tag().String(), "error", err)
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	sc.Split(protocol.ScanFrames)
	builder := protocol.NewBuilder()

	for sc.Scan() {
		req, err := builder.Build(sc.Bytes())
		if err != nil {
			log.Warn("Dropping malformed query", "error", err)
			send(&protocol.ErrorResponse{Code: protocol.ErrorWarning, Message: err.Error()})
			continue
		}
		switch q := req.(type) {
		case *protocol.VersionQuery:
			send(&protocol.VersionResponse{Major: opts.Version.Major, Minor: opts.Version.Minor})
		case *protocol.ExecuteQuery:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				send(execute(ctx, h, q))
			}()
		case *protocol.QuitQuery:
			wg.Wait()
			send(&protocol.QuitResponse{})
			return nil
		default:
			send(&protocol.ErrorResponse{Code: protocol.ErrorWarning, Message: "unexpected " + req.Tag().String()})
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func execute(ctx context.Context, h Handler, q *protocol.ExecuteQuery) protocol.Request {
	resp, err := h.Execute(ctx, q)
	var er *protocol.ErrorResponse
	switch {
	case errors.As(err, &er):
		return er
	case err != nil:
		return &protocol.ExecuteResponse{
			CommandID: q.CommandID,
			ExitCode:  check.StateUnknown,
			EndTime:   time.Now(),
			Stderr:    err.Error(),
		}
	case resp == nil:
		resp = &protocol.ExecuteResponse{Executed: true}
	}
	resp.CommandID = q.CommandID
	if resp.EndTime.IsZero() {
		resp.EndTime = time.Now()
	}
	return resp
}

// RunSyncer is the part of check.Command a raw handler needs.
type RunSyncer interface {
	RunSync(ctx context.Context, cmdline string, timeout time.Duration) (check.Result, error)
}

// NewRawHandler returns a Handler that runs each check with r.
func NewRawHandler(r RunSyncer) Handler {
	return HandlerFunc(func(ctx context.Context, q *protocol.ExecuteQuery) (*protocol.ExecuteResponse, error) {
		res, err := r.RunSync(ctx, q.Command, time.Duration(q.Timeout)*time.Second)
		if err != nil {
			return nil, err
		}
		stderr := res.Stderr
		if !res.Executed {
			// the engine adds the parentheses back
			stderr = strings.TrimSuffix(strings.TrimPrefix(stderr, "("), ")")
		}
		return &protocol.ExecuteResponse{
			Executed: res.Executed,
			ExitCode: res.ExitCode,
			EndTime:  res.EndTime,
			Stderr:   stderr,
			Stdout:   res.Stdout,
		}, nil
	})
}
