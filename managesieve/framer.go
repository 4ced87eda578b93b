package managesieve

import (
	"bytes"
	"strconv"
)

type framerState int

const (
	// awaitingHeader scans line bytes up to the next CRLF, which either ends
	// the frame or announces a literal.
	awaitingHeader framerState = iota
	// awaitingLiteralBytes counts down the octets of an announced literal.
	// CRLF inside the literal is content, not a terminator.
	awaitingLiteralBytes
)

// framer cuts an incoming byte stream into frames. It is fed whatever the
// transport delivered and never blocks; Next reports when more input is
// needed. Frames keep their inline literals and lose the final CRLF.
type framer struct {
	buf        []byte
	scan       int // bytes of buf already examined for the current frame
	segStart   int // start of the line segment after the last literal
	state      framerState
	remaining  int
	maxLiteral int
}

func (f *framer) feed(p []byte) {
	if f.scan == 0 && len(f.buf) == 0 && cap(f.buf) > 64*1024 {
		f.buf = nil
	}
	f.buf = append(f.buf, p...)
}

// pending reports whether a partial frame is buffered.
func (f *framer) pending() bool { return len(f.buf) > 0 }

func (f *framer) reset() {
	*f = framer{maxLiteral: f.maxLiteral}
}

// next returns the next complete frame. ok is false when more input is
// needed. Errors are fatal: the framer is reset and the stream cannot be
// resynchronized.
func (f *framer) next() (frame []byte, ok bool, err error) {
	for {
		if f.state == awaitingLiteralBytes {
			avail := len(f.buf) - f.scan
			if avail < f.remaining {
				f.scan += avail
				f.remaining -= avail
				return nil, false, nil
			}
			f.scan += f.remaining
			f.remaining = 0
			f.segStart = f.scan
			f.state = awaitingHeader
		}

		i := bytes.IndexByte(f.buf[f.scan:], '\n')
		if i < 0 {
			f.scan = len(f.buf)
			// Keep a trailing CR visible to the next scan.
			if f.scan > f.segStart && f.buf[f.scan-1] == '\r' {
				f.scan--
			}
			return nil, false, nil
		}
		lf := f.scan + i
		if lf == f.segStart || f.buf[lf-1] != '\r' {
			f.reset()
			return nil, false, syntaxErrorf(-1, "line terminated by bare LF")
		}
		segment := f.buf[f.segStart : lf-1]
		if n, isLit, lerr := trailingLiteral(segment); isLit {
			if lerr != nil {
				f.reset()
				return nil, false, lerr
			}
			if f.maxLiteral > 0 && n > f.maxLiteral {
				f.reset()
				return nil, false, syntaxErrorf(-1, "literal of %d bytes exceeds limit of %d", n, f.maxLiteral)
			}
			f.state = awaitingLiteralBytes
			f.remaining = n
			f.scan = lf + 1
			continue
		}

		frame = append([]byte(nil), f.buf[:lf-1]...)
		f.buf = f.buf[lf+1:]
		if len(f.buf) == 0 {
			f.buf = f.buf[:0:0]
		}
		f.scan = 0
		f.segStart = 0
		return frame, true, nil
	}
}

// trailingLiteral checks whether a line segment ends with a literal header
// "{N}" or "{N+}". isLit is false when the segment does not end in a brace
// group at all; a brace group with bad content is reported as an error.
func trailingLiteral(seg []byte) (n int, isLit bool, err error) {
	end := len(seg)
	if end == 0 || seg[end-1] != '}' {
		return 0, false, nil
	}
	j := end - 2
	if j >= 0 && seg[j] == '+' {
		j--
	}
	digitsEnd := j + 1
	for j >= 0 && seg[j] >= '0' && seg[j] <= '9' {
		j--
	}
	if j < 0 || seg[j] != '{' {
		// Not a literal header; "}" may legitimately end an atom.
		return 0, false, nil
	}
	digits := seg[j+1 : digitsEnd]
	if len(digits) == 0 {
		return 0, true, syntaxErrorf(j, "literal without byte count")
	}
	if len(digits) > maxLiteralDigits {
		return 0, true, syntaxErrorf(j, "literal byte count too large")
	}
	v, perr := strconv.ParseInt(string(digits), 10, 64)
	if perr != nil || v > int64(^uint(0)>>1) {
		return 0, true, syntaxErrorf(j, "bad literal byte count %q", digits)
	}
	return int(v), true, nil
}
