package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single message
const MaxLineSize = 16 << 20

// ErrMalformed is wrapped by Decoder.Next for lines that are not valid messages.
// The stream is still usable after it.
var ErrMalformed = errors.New("malformed message")

// Encoder writes messages as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder creates an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Send writes one message followed by a newline
func (e *Encoder) Send(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads JSON line messages
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{sc: sc}
}

// Next returns the next message. Blank lines are skipped. It returns io.EOF
// when the stream ends.
func (d *Decoder) Next() (*Message, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &msg, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
