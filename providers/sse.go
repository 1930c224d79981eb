package providers

import (
	"bufio"
	"bytes"
	"io"
)

// SSEScanner scans Server-Sent Events streams as produced by the
// OpenAI-compatible and llama-server streaming endpoints.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

// NewSSEScanner creates a new SSE scanner over r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{scanner: bufio.NewScanner(r)}
}

// Scan advances to the next SSE data event.
func (s *SSEScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Skip empty lines (event boundaries)
		if len(line) == 0 {
			continue
		}

		if bytes.HasPrefix(line, []byte("data: ")) {
			s.data = string(bytes.TrimPrefix(line, []byte("data: ")))
			return true
		}
	}

	s.err = s.scanner.Err()
	return false
}

// Data returns the current event payload.
func (s *SSEScanner) Data() string { return s.data }

// Err returns any scanning error.
func (s *SSEScanner) Err() error { return s.err }
