package serialport

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// rawPort is the part of serial.Port this driver uses, split out so the
// timing logic can be tested without hardware.
type rawPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// serialPort emulates the VMIN/VTIME contract on top of go.bug.st/serial
// read timeouts, for hosts where the termios driver is unavailable.
type serialPort struct {
	port      rawPort
	path      string
	firstByte time.Duration
	interByte time.Duration
	// Close may run while a read is blocked; go.bug.st/serial wakes the
	// reader itself.
	closed atomic.Bool
}

func openSerial(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, cfg.Path, err)
	}
	return newSerialPort(port, cfg), nil
}

func newSerialPort(port rawPort, cfg Config) *serialPort {
	return &serialPort{
		port:      port,
		path:      cfg.Path,
		firstByte: cfg.firstByteTimeout(),
		interByte: cfg.interByteTimeout(),
	}
}

func (s *serialPort) ReadFull(n int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	got := 0
	timeout := s.firstByte
	for got < n {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			clear(buf)
			return nil, fmt.Errorf("serialport: set timeout on %s: %w", s.path, err)
		}
		m, err := s.port.Read(buf[got:])
		if err != nil {
			clear(buf)
			if s.closed.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("serialport: read %s: %w", s.path, err)
		}
		if m == 0 {
			break // timer expired
		}
		got += m
		timeout = s.interByte
	}
	if got != n {
		clear(buf)
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, got, n)
	}
	return buf, nil
}

func (s *serialPort) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serialport: write %s: %w", s.path, err)
	}
	if err := s.port.Drain(); err != nil {
		return n, fmt.Errorf("serialport: drain %s: %w", s.path, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(p))
	}
	return n, nil
}

// Reset switches to a zero read timeout, the equivalent of VMIN=0 VTIME=0.
func (s *serialPort) Reset() error {
	if s.closed.Load() {
		return nil
	}
	return s.port.SetReadTimeout(0)
}

func (s *serialPort) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.port.ResetInputBuffer()
}

func (s *serialPort) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.port.Close()
}
