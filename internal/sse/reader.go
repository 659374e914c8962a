// Package sse reads and writes Server-Sent Events frames.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// MaxFrameSize bounds a single line. Result sets arrive as one data line and
// can be large.
const MaxFrameSize = 4 << 20

// Frame is one dispatched SSE event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Name returns the event name, defaulting to "message" as browsers do.
func (f Frame) Name() string {
	if f.Event == "" {
		return "message"
	}
	return f.Event
}

// Reader parses an SSE stream one frame at a time. It never reads ahead of the
// frame being returned. Lines may end in "\n", "\r\n" or a lone "\r".
type Reader struct {
	scanner *bufio.Scanner
	lines   lineSplitter
	lastID  string
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	reader := &Reader{scanner: bufio.NewScanner(r)}
	reader.scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	reader.scanner.Split(reader.lines.split)
	return reader
}

// lineSplitter is a bufio.SplitFunc for SSE line endings. A "\r" at the end
// of the buffered data ends the line at once; a "\n" arriving next is then
// dropped rather than read as a blank line.
type lineSplitter struct {
	skipLF bool
}

func (l *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if l.skipLF && len(data) > 0 {
		l.skipLF = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 == len(data) {
				l.skipLF = true
			} else if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
		}
		return i + 1, data[:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next returns the next frame. It returns io.EOF when the stream ends cleanly
// between frames; a trailing frame without its blank line is still returned.
func (r *Reader) Next() (Frame, error) {
	var (
		frame   Frame
		data    strings.Builder
		hasData bool
		pending bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if !pending {
				continue
			}
			frame.Data = data.String()
			frame.ID = r.lastID
			return frame, nil
		}

		// Ignore comments (lines starting with :)
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = strings.TrimSpace(value)
			pending = true
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			pending = true
		case "id":
			r.lastID = value
		}
		// retry and unknown fields are ignored
	}

	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}

	// Handle any remaining event
	if pending {
		frame.Data = data.String()
		frame.ID = r.lastID
		return frame, nil
	}
	return Frame{}, io.EOF
}
