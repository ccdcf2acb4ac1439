package isolation

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tablehouse-io/tablehouse/internal/jobs"
)

const (
	frameHeaderSize = 4
	// MaxFrameSize bounds the payload a runner may report.
	MaxFrameSize = 16 << 20
)

// ErrMalformedFrame is returned when runner output is not exactly one valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// WriteResult writes result to w as a single frame: a 4-byte big-endian payload
// length followed by the JSON-encoded result.
func WriteResult(w io.Writer, result jobs.FileResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(payload), MaxFrameSize)
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload))) //nolint:gosec // bounded above
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// ReadResult reads exactly one frame from r. Missing, short, oversized or trailing
// data is reported as ErrMalformedFrame.
func ReadResult(r io.Reader) (jobs.FileResult, error) {
	var (
		result jobs.FileResult
		header [frameHeaderSize]byte
	)

	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return result, fmt.Errorf("%w: no output", ErrMalformedFrame)
		}

		return result, fmt.Errorf("%w: short header: %w", ErrMalformedFrame, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return result, fmt.Errorf("%w: invalid payload length %d", ErrMalformedFrame, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return result, fmt.Errorf("%w: payload truncated: %w", ErrMalformedFrame, err)
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return result, fmt.Errorf("%w: trailing data after frame", ErrMalformedFrame)
	}

	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	return result, nil
}
