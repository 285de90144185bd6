package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single pipe message. Tasks and results are small;
// anything larger indicates a corrupted stream.
const maxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// WriteFrame writes one length-prefixed message: a big-endian uint32 length
// followed by the body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed message. A clean EOF at a frame
// boundary is reported as io.EOF; EOF inside a frame is
// io.ErrUnexpectedEOF. Partial reads are tolerated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ErrorInfo describes a task failure observed in the child: a failed
// deserialization, an unresolvable function, a handler error, or a panic.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Result is the child's reply frame for one task.
type Result struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Err   *ErrorInfo      `json:"error,omitempty"`
}

// EncodeResult marshals a result for the reply frame.
func EncodeResult(res *Result) ([]byte, error) {
	return json.Marshal(res)
}

// DecodeResult parses a reply frame.
func DecodeResult(body []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result frame: %w", err)
	}
	return &res, nil
}
