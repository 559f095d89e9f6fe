package m6610

import "time"

// Provider is the interface every meter backend implements. Meter talks to
// real hardware; DemoMeter synthesizes frames.
type Provider interface {
	// Name returns the human-readable name of this meter.
	Name() string
	// Connect opens the serial port.
	Connect() error
	// Close releases the port, unblocking a pending read where the driver
	// allows it.
	Close() error
	// IsConnected returns whether the provider has an open port.
	IsConnected() bool

	// RequestRawData performs serial I/O only: reads one auto-report frame
	// and returns its payload. No decoding is done.
	RequestRawData() (*RawData, error)

	// ParseRawData decodes a payload into a Reading.
	// This is CPU-only (no I/O) and safe to call from any goroutine.
	ParseRawData(raw *RawData) (*Reading, error)

	// RequestData is a convenience that calls RequestRawData + ParseRawData.
	RequestData() (*Reading, error)

	// Flush discards unread input so the next read starts on fresh bytes.
	Flush() error
}

// RawData carries a validated frame payload for deferred decoding.
type RawData struct {
	Payload  []byte    // Frame payload, checksum stripped
	Received time.Time // When the frame finished arriving
}

func parseRawData(raw *RawData) (*Reading, error) {
	v, err := Decode(raw.Payload)
	if err != nil {
		return nil, err
	}
	return &Reading{Values: v, Received: raw.Received}, nil
}
