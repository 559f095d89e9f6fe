// Package m6610 reads and decodes the auto-report telemetry frames of a
// 78M6610 power measurement chip.
//
// Wire format:
//
//	[header:1][length:1][payload: length-2 bytes, last byte = checksum]
//
// length counts every byte of the frame. The checksum is chosen so that
// the sum of all frame bytes is 0 mod 256.
package m6610

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/meterdash/internal/serialport"
)

// AutoReportHeader identifies the periodic telemetry report.
const AutoReportHeader byte = 0xAE

const (
	frameOverhead  = 2 // header + length
	minFrameLength = 3 // header + length + checksum
	maxFrameLength = 255
)

var (
	// ErrNoDevice means the port failed for a reason other than a timeout.
	ErrNoDevice = errors.New("m6610: no device")
	// ErrTimeout means a read came up short at some stage of the frame.
	ErrTimeout = errors.New("m6610: timeout")
	// ErrChecksumMismatch means the frame bytes do not sum to zero.
	ErrChecksumMismatch = errors.New("m6610: checksum mismatch")
	// ErrUnexpectedHeader means a well formed frame of another message type.
	ErrUnexpectedHeader = errors.New("m6610: unexpected header")
	// ErrFrameLength means the length byte cannot describe a frame.
	ErrFrameLength = errors.New("m6610: invalid frame length")
	// ErrMalformedPayload means a payload is not a 27 byte report.
	ErrMalformedPayload = errors.New("m6610: malformed payload")
)

// HeaderError reports the header of a checksum-valid frame that was not
// the one asked for. It matches ErrUnexpectedHeader.
type HeaderError struct {
	Got  byte
	Want byte
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("m6610: unexpected header 0x%02X (want 0x%02X)", e.Got, e.Want)
}

// Is implements errors.Is.
func (e *HeaderError) Is(target error) bool {
	return target == ErrUnexpectedHeader
}

// Reader is the part of serialport.Port the frame reader needs.
type Reader interface {
	ReadFull(n int) ([]byte, error)
}

// ReadFrame reads one frame from r and returns its payload without the
// checksum byte. The checksum is verified before the header, so a
// corrupted frame always reports ErrChecksumMismatch.
//
// ReadFrame keeps no state and never retries; on error the caller decides
// whether to flush and read again.
func ReadFrame(r Reader, expectedHeader byte) ([]byte, error) {
	header, err := r.ReadFull(1)
	if err != nil {
		return nil, stageError("header", err)
	}
	length, err := r.ReadFull(1)
	if err != nil {
		return nil, stageError("length", err)
	}
	total := int(length[0])
	if total < minFrameLength {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, total)
	}
	body, err := r.ReadFull(total - frameOverhead)
	if err != nil {
		return nil, stageError("payload", err)
	}

	sum := header[0] + length[0]
	for _, b := range body {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: residual 0x%02X", ErrChecksumMismatch, sum)
	}
	payload := body[:len(body)-1]
	// An empty frame carries no message, so its header is not judged.
	if len(payload) > 0 && header[0] != expectedHeader {
		return nil, &HeaderError{Got: header[0], Want: expectedHeader}
	}
	return payload, nil
}

func stageError(stage string, err error) error {
	if errors.Is(err, serialport.ErrShortRead) {
		return fmt.Errorf("%w: awaiting %s: %w", ErrTimeout, stage, err)
	}
	return fmt.Errorf("%w: awaiting %s: %w", ErrNoDevice, stage, err)
}

// Checksum returns the byte that brings the sum of b to 0 mod 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return ^sum + 1
}

// EncodeFrame builds a complete frame around payload.
func EncodeFrame(header byte, payload []byte) ([]byte, error) {
	total := len(payload) + minFrameLength
	if total > maxFrameLength {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, total)
	}
	frame := make([]byte, 0, total)
	frame = append(frame, header, byte(total))
	frame = append(frame, payload...)
	return append(frame, Checksum(frame)), nil
}

// Classify names the kind of a ReadFrame or Decode error, for metrics
// labels and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrUnexpectedHeader):
		return "header"
	case errors.Is(err, ErrFrameLength):
		return "length"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "no_device"
	}
}
