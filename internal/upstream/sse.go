package upstream

import (
	"bufio"
	"bytes"
	"io"
)

const (
	sseInitialBuffer = 64 * 1024
	sseMaxLine       = 8 * 1024 * 1024
)

// SSEReader yields the payload of each "data:" line of an event stream until
// the [DONE] sentinel or end of body.
type SSEReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func NewSSEReader(body io.ReadCloser) *SSEReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLine)
	return &SSEReader{body: body, scanner: scanner}
}

// Next returns the next data payload, or io.EOF.
func (r *SSEReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			r.done = true
			return nil, io.EOF
		}
		return append([]byte(nil), data...), nil
	}
	r.done = true
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *SSEReader) Close() error {
	r.done = true
	return r.body.Close()
}
