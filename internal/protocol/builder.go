package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Builder decodes frames into requests. It keeps one prototype per known tag;
// Build clones the prototype matching the frame's tag and restores the frame
// into the clone.
type Builder struct {
	prototypes map[Tag]Request
}

// NewBuilder returns a Builder that knows every message of the protocol.
func NewBuilder() *Builder {
	b := &Builder{prototypes: make(map[Tag]Request, 7)}
	for _, r := range []Request{
		&VersionQuery{},
		&VersionResponse{},
		&ExecuteQuery{},
		&ExecuteResponse{},
		&QuitQuery{},
		&QuitResponse{},
		&ErrorResponse{},
	} {
		b.prototypes[r.Tag()] = r
	}
	return b
}

// Build decodes one frame. The frame must not include the terminator.
func (b *Builder) Build(frame []byte) (Request, error) {
	tag, err := peekTag(frame)
	if err != nil {
		return nil, err
	}
	proto, ok := b.prototypes[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequestType, tag)
	}
	req := proto.clone()
	if err := req.Restore(frame); err != nil {
		return nil, err
	}
	return req, nil
}

func peekTag(frame []byte) (Tag, error) {
	head := frame
	if i := bytes.IndexByte(frame, 0); i >= 0 {
		head = frame[:i]
	}
	v, err := strconv.ParseUint(string(head), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid tag %q", ErrMalformedRequest, head)
	}
	return Tag(v), nil
}
