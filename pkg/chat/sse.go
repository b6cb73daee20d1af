package chat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SSEReader reads named events from a server-sent-events body.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// Next returns the next event name and data. Comment lines and events with
// no data are skipped. Returns io.EOF at the end of the body.
func (s *SSEReader) Next() (string, []byte, error) {
	var eventName string
	var data bytes.Buffer
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if hasData {
				return eventName, data.Bytes(), nil
			}
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
			hasData = true
		}

		if err == io.EOF {
			if hasData {
				return eventName, data.Bytes(), nil
			}
			return "", nil, io.EOF
		}
	}
}

// sseStream adapts an SSE body to Stream.
type sseStream struct {
	reader *SSEReader
	body   io.Closer
	ended  bool
}

// NewSSEStream returns a Stream that decodes events from body.
// Unknown event names are skipped.
func NewSSEStream(body io.ReadCloser) Stream {
	return &sseStream{reader: NewSSEReader(body), body: body}
}

func (s *sseStream) Recv() (Event, error) {
	if s.ended {
		return Event{}, io.EOF
	}
	for {
		name, data, err := s.reader.Next()
		if err != nil {
			s.ended = true
			if err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read event stream: %w", err)
		}
		if name == "" {
			name = "message"
		}
		ev, err := DecodeEvent(name, data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				continue
			}
			s.ended = true
			return Event{}, err
		}
		return ev, nil
	}
}

func (s *sseStream) Close() error {
	s.ended = true
	return s.body.Close()
}
