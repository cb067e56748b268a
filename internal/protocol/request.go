// Package protocol implements the framed request protocol spoken between the
// engine and connector helper processes.
//
// A frame is a list of NUL separated fields terminated by four NUL bytes:
//
//	<tag>\0<field1>\0...\0<fieldN>\0\0\0\0
//
// The first field is the decimal tag identifying the message. Numeric fields
// are decimal ASCII, timestamps are unix seconds and free text is always
// placed last, so it never needs escaping. Text must not contain NUL bytes.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tag identifies a message variant on the wire.
type Tag uint32

const (
	TagVersionQuery Tag = iota
	TagVersionResponse
	TagExecuteQuery
	TagExecuteResponse
	TagQuitQuery
	TagQuitResponse
	TagErrorResponse
)

func (t Tag) String() string {
	switch t {
	case TagVersionQuery:
		return "version_query"
	case TagVersionResponse:
		return "version_response"
	case TagExecuteQuery:
		return "execute_query"
	case TagExecuteResponse:
		return "execute_response"
	case TagQuitQuery:
		return "quit_query"
	case TagQuitResponse:
		return "quit_response"
	case TagErrorResponse:
		return "error_response"
	default:
		return "tag(" + strconv.FormatUint(uint64(t), 10) + ")"
	}
}

// fieldsPerTag is the number of fields following the tag of each message.
var fieldsPerTag = map[Tag]int{
	TagVersionQuery:    0,
	TagVersionResponse: 2,
	TagExecuteQuery:    4,
	TagExecuteResponse: 6,
	TagQuitQuery:       0,
	TagQuitResponse:    0,
	TagErrorResponse:   2,
}

func fieldCount(tag []byte) (int, bool) {
	v, err := strconv.ParseUint(string(tag), 10, 32)
	if err != nil {
		return 0, false
	}
	n, ok := fieldsPerTag[Tag(v)]
	return n, ok
}

// Terminator ends every frame.
var Terminator = []byte{0, 0, 0, 0}

var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrUnknownRequestType = errors.New("unknown request type")
)

// Request is the closed set of protocol messages. Only types of this package
// implement it.
type Request interface {
	Tag() Tag
	// Encode serializes the message into a complete frame, terminator included.
	Encode() []byte
	// Restore replaces the receiver's content with the frame (terminator
	// excluded) it was decoded from.
	Restore(frame []byte) error
	clone() Request
}

// VersionQuery asks the connector for the protocol version it implements.
type VersionQuery struct{}

// VersionResponse carries the connector's protocol version.
type VersionResponse struct {
	Major uint32
	Minor uint32
}

// ExecuteQuery asks the connector to run a command.
type ExecuteQuery struct {
	CommandID uint64
	Timeout   uint32 // seconds, 0 means none
	StartTime time.Time
	Command   string
}

// ExecuteResponse reports the outcome of an ExecuteQuery.
type ExecuteResponse struct {
	CommandID uint64
	Executed  bool
	ExitCode  int
	EndTime   time.Time
	Stderr    string
	Stdout    string
}

// QuitQuery asks the connector to shut down.
type QuitQuery struct{}

// QuitResponse acknowledges a QuitQuery; the connector exits right after.
type QuitResponse struct{}

// ErrorCode is the severity carried by an ErrorResponse.
type ErrorCode uint32

const (
	ErrorInfo ErrorCode = iota
	ErrorWarning
	ErrorError
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInfo:
		return "info"
	case ErrorWarning:
		return "warning"
	case ErrorError:
		return "error"
	default:
		return "code(" + strconv.FormatUint(uint64(c), 10) + ")"
	}
}

// ErrorResponse is an out of band diagnostic sent by the connector.
type ErrorResponse struct {
	Code    ErrorCode
	Message string
}

// Error lets a connector side handler report an ErrorResponse as an error.
func (r *ErrorResponse) Error() string { return r.Code.String() + ": " + r.Message }

func (VersionQuery) Tag() Tag    { return TagVersionQuery }
func (VersionResponse) Tag() Tag { return TagVersionResponse }
func (ExecuteQuery) Tag() Tag    { return TagExecuteQuery }
func (ExecuteResponse) Tag() Tag { return TagExecuteResponse }
func (QuitQuery) Tag() Tag       { return TagQuitQuery }
func (QuitResponse) Tag() Tag    { return TagQuitResponse }
func (ErrorResponse) Tag() Tag   { return TagErrorResponse }

func (r *VersionQuery) clone() Request    { c := *r; return &c }
func (r *VersionResponse) clone() Request { c := *r; return &c }
func (r *ExecuteQuery) clone() Request    { c := *r; return &c }
func (r *ExecuteResponse) clone() Request { c := *r; return &c }
func (r *QuitQuery) clone() Request       { c := *r; return &c }
func (r *QuitResponse) clone() Request    { c := *r; return &c }
func (r *ErrorResponse) clone() Request   { c := *r; return &c }

func (r *VersionQuery) Encode() []byte { return encode(TagVersionQuery) }

func (r *VersionResponse) Encode() []byte {
	return encode(TagVersionResponse, u64(uint64(r.Major)), u64(uint64(r.Minor)))
}

func (r *ExecuteQuery) Encode() []byte {
	return encode(TagExecuteQuery,
		u64(r.CommandID),
		u64(uint64(r.Timeout)),
		i64(r.StartTime.Unix()),
		r.Command)
}

func (r *ExecuteResponse) Encode() []byte {
	executed := "0"
	if r.Executed {
		executed = "1"
	}
	return encode(TagExecuteResponse,
		u64(r.CommandID),
		executed,
		strconv.Itoa(r.ExitCode),
		i64(r.EndTime.Unix()),
		r.Stderr,
		r.Stdout)
}

func (r *QuitQuery) Encode() []byte    { return encode(TagQuitQuery) }
func (r *QuitResponse) Encode() []byte { return encode(TagQuitResponse) }

func (r *ErrorResponse) Encode() []byte {
	return encode(TagErrorResponse, u64(uint64(r.Code)), r.Message)
}

func (r *VersionQuery) Restore(frame []byte) error {
	_, err := fields(frame, TagVersionQuery, 0)
	return err
}

func (r *VersionResponse) Restore(frame []byte) error {
	f, err := fields(frame, TagVersionResponse, 2)
	if err != nil {
		return err
	}
	major, err := parseUint(f[0], 32, "major")
	if err != nil {
		return err
	}
	minor, err := parseUint(f[1], 32, "minor")
	if err != nil {
		return err
	}
	r.Major, r.Minor = uint32(major), uint32(minor)
	return nil
}

func (r *ExecuteQuery) Restore(frame []byte) error {
	f, err := fields(frame, TagExecuteQuery, 4)
	if err != nil {
		return err
	}
	id, err := parseUint(f[0], 64, "command id")
	if err != nil {
		return err
	}
	timeout, err := parseUint(f[1], 32, "timeout")
	if err != nil {
		return err
	}
	start, err := parseInt(f[2], "start time")
	if err != nil {
		return err
	}
	r.CommandID = id
	r.Timeout = uint32(timeout)
	r.StartTime = time.Unix(start, 0)
	r.Command = string(f[3])
	return nil
}

func (r *ExecuteResponse) Restore(frame []byte) error {
	f, err := fields(frame, TagExecuteResponse, 6)
	if err != nil {
		return err
	}
	id, err := parseUint(f[0], 64, "command id")
	if err != nil {
		return err
	}
	var executed bool
	switch string(f[1]) {
	case "0":
	case "1":
		executed = true
	default:
		return fmt.Errorf("%w: invalid executed flag %q", ErrMalformedRequest, f[1])
	}
	code, err := parseInt(f[2], "exit code")
	if err != nil {
		return err
	}
	end, err := parseInt(f[3], "end time")
	if err != nil {
		return err
	}
	r.CommandID = id
	r.Executed = executed
	r.ExitCode = int(code)
	r.EndTime = time.Unix(end, 0)
	r.Stderr = string(f[4])
	r.Stdout = string(f[5])
	return nil
}

func (r *QuitQuery) Restore(frame []byte) error {
	_, err := fields(frame, TagQuitQuery, 0)
	return err
}

func (r *QuitResponse) Restore(frame []byte) error {
	_, err := fields(frame, TagQuitResponse, 0)
	return err
}

func (r *ErrorResponse) Restore(frame []byte) error {
	f, err := fields(frame, TagErrorResponse, 2)
	if err != nil {
		return err
	}
	code, err := parseUint(f[0], 32, "code")
	if err != nil {
		return err
	}
	if ErrorCode(code) > ErrorError {
		return fmt.Errorf("%w: invalid error code %d", ErrMalformedRequest, code)
	}
	r.Code = ErrorCode(code)
	r.Message = string(f[1])
	return nil
}

func encode(tag Tag, fields ...string) []byte {
	size := len(Terminator) + 4
	for _, f := range fields {
		size += len(f) + 1
	}
	b := make([]byte, 0, size)
	b = strconv.AppendUint(b, uint64(tag), 10)
	for _, f := range fields {
		b = append(b, 0)
		b = append(b, stripNUL(f)...)
	}
	return append(b, Terminator...)
}

func stripNUL(s string) string {
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// fields splits frame, checks the embedded tag and returns the n fields that
// follow it.
func fields(frame []byte, want Tag, n int) ([][]byte, error) {
	parts := bytes.Split(frame, []byte{0})
	if len(parts) != n+1 {
		return nil, fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformedRequest, want, n+1, len(parts))
	}
	tag, err := parseUint(parts[0], 32, "tag")
	if err != nil {
		return nil, err
	}
	if Tag(tag) != want {
		return nil, fmt.Errorf("%w: tag %d does not match %s", ErrMalformedRequest, tag, want)
	}
	return parts[1:], nil
}

func parseUint(b []byte, bits int, what string) (uint64, error) {
	v, err := strconv.ParseUint(string(b), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformedRequest, what, b)
	}
	return v, nil
}

func parseInt(b []byte, what string) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformedRequest, what, b)
	}
	return v, nil
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
func i64(v int64) string  { return strconv.FormatInt(v, 10) }
