package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
)

// maxLine bounds a single encoded message.
const maxLine = 64 << 20

// Encoder writes one JSON message per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m followed by a newline.
func (e *Encoder) Encode(m Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", m.Type, err)
	}
	return nil
}

// Decoder reads line-delimited messages.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder creates a decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Decoder{s: s}
}

// ErrMalformed wraps messages that are not valid JSON objects.
var ErrMalformed = errors.New("malformed message")

// Decode returns the next message, io.EOF at end of stream, or an error
// wrapping ErrMalformed for a line that cannot be decoded.
func (d *Decoder) Decode() (Message, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := sonic.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Type == "" {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		return m, nil
	}
	if err := d.s.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// MarshalValue encodes an arbitrary value for a status or value field.
func MarshalValue(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// UnmarshalValue decodes a status or value field. An empty field decodes to nil.
func UnmarshalValue(raw []byte, out any) error {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	return sonic.Unmarshal(raw, out)
}
