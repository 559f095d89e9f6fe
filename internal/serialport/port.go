// Package serialport provides the blocking byte channel the meter protocol
// runs over. Every driver honours the same contract: ReadFull returns
// exactly n bytes or fails, and never hands back partial data.
package serialport

import (
	"errors"
	"fmt"
	"time"
)

// Port is one open serial device. A Port is not safe for concurrent use,
// except that Reset and Close may be called to release a blocked reader.
type Port interface {
	// ReadFull blocks until n bytes arrive or the inter-byte timeout
	// elapses. A short result is reported as ErrShortRead.
	ReadFull(n int) ([]byte, error)
	// Write sends p and blocks until it has been transmitted.
	Write(p []byte) (int, error)
	// Reset drops the minimum byte count back to zero so reads stop
	// blocking.
	Reset() error
	// Flush discards any received but unread input.
	Flush() error
	// Close releases the device. Closing twice is a no-op.
	Close() error
}

var (
	// ErrDeviceUnavailable means the device could not be opened or configured.
	ErrDeviceUnavailable = errors.New("serialport: device unavailable")
	// ErrShortRead means fewer bytes than requested arrived before the timeout.
	ErrShortRead = errors.New("serialport: short read")
	// ErrShortWrite means not every byte was written.
	ErrShortWrite = errors.New("serialport: short write")
	// ErrClosed is returned for I/O on a closed port.
	ErrClosed = errors.New("serialport: port closed")
)

// Driver names accepted in Config.Driver.
const (
	DriverTermios = "termios"
	DriverSerial  = "serial"
)

const (
	defaultBaudRate           = 19200
	defaultInterByteTimeoutMs = 100 // one VTIME tick
	defaultFirstByteTimeoutMs = 2000
)

// Config describes how to open and configure the device.
type Config struct {
	Path     string `yaml:"port_path" json:"portPath"`
	Driver   string `yaml:"driver" json:"driver"` // "termios" or "serial"
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// InterByteTimeoutMs bounds the gap between bytes of one read. The
	// termios driver rounds it to whole 100 ms ticks.
	InterByteTimeoutMs int `yaml:"inter_byte_timeout_ms" json:"interByteTimeoutMs"`
	// FirstByteTimeoutMs bounds the wait for the first byte of a read.
	// Without it a silent line would hold a reader forever.
	FirstByteTimeoutMs int `yaml:"first_byte_timeout_ms" json:"firstByteTimeoutMs"`
}

// Opener opens a Port. Providers take one so tests can inject MemPorts.
type Opener func(cfg Config) (Port, error)

// WithDefaults fills zero fields with the meter's line settings.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverTermios
	}
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.InterByteTimeoutMs <= 0 {
		c.InterByteTimeoutMs = defaultInterByteTimeoutMs
	}
	if c.FirstByteTimeoutMs <= 0 {
		c.FirstByteTimeoutMs = defaultFirstByteTimeoutMs
	}
	return c
}

func (c Config) interByteTimeout() time.Duration {
	return time.Duration(c.InterByteTimeoutMs) * time.Millisecond
}

func (c Config) firstByteTimeout() time.Duration {
	return time.Duration(c.FirstByteTimeoutMs) * time.Millisecond
}

// Open opens cfg.Path with the configured driver: 8 data bits, even
// parity, one stop bit, no flow control, raw mode.
func Open(cfg Config) (Port, error) {
	cfg = cfg.WithDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrDeviceUnavailable)
	}
	switch cfg.Driver {
	case DriverTermios:
		return openTermios(cfg)
	case DriverSerial:
		return openSerial(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrDeviceUnavailable, cfg.Driver)
	}
}
