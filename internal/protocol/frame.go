package protocol

import "bytes"

// ScanFrames is a bufio.SplitFunc returning one frame per token, terminator
// excluded.
//
// The tag of a known message fixes how many fields follow it, so empty
// trailing fields are told apart from the terminator even when a read stops
// between their NUL bytes. Frames never start with NUL, so leading NUL bytes
// are skipped. Data after the last terminator is kept until more input
// arrives and dropped at EOF.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && data[start] == 0 {
		start++
	}
	end, ok := frameEnd(data[start:])
	if !ok {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	return start + end + len(Terminator), data[start : start+end], nil
}

// frameEnd returns the offset of the terminator of the frame at the start of
// data, or false if the frame is not complete yet.
func frameEnd(data []byte) (int, bool) {
	tagEnd := bytes.IndexByte(data, 0)
	if tagEnd < 0 {
		return 0, false
	}
	n, known := fieldCount(data[:tagEnd])
	if !known {
		return scanNULRun(data)
	}
	pos := tagEnd
	for i := 0; i < n; i++ {
		next := bytes.IndexByte(data[pos+1:], 0)
		if next < 0 {
			return 0, false
		}
		pos += 1 + next
	}
	if len(data) < pos+len(Terminator) {
		return 0, false
	}
	if !bytes.Equal(data[pos:pos+len(Terminator)], Terminator) {
		// Extra fields: hand the whole frame to Build so it is rejected.
		return scanNULRun(data)
	}
	return pos, true
}

// scanNULRun ends the frame where the first run of at least four NUL bytes
// ends. It serves frames whose field count is unknown.
func scanNULRun(data []byte) (int, bool) {
	i := bytes.Index(data, Terminator)
	if i < 0 {
		return 0, false
	}
	run := len(Terminator)
	for i+run < len(data) && data[i+run] == 0 {
		run++
	}
	return i + run - len(Terminator), true
}

// Decoder accumulates stream data and hands out complete frames. It is not
// safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends p to the pending data and returns every frame it completes.
// Returned frames do not alias p or the decoder's buffer.
func (d *Decoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for len(d.buf) > 0 {
		adv, tok, _ := ScanFrames(d.buf, false)
		if tok != nil {
			frames = append(frames, append([]byte(nil), tok...))
		}
		if adv == 0 {
			break
		}
		d.buf = d.buf[adv:]
		if tok == nil {
			break
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes waiting for a terminator.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame.
func (d *Decoder) Reset() { d.buf = nil }
