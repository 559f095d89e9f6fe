//go:build !linux

package serialport

import "fmt"

func openTermios(cfg Config) (Port, error) {
	return nil, fmt.Errorf("%w: termios driver is linux only, use %q", ErrDeviceUnavailable, DriverSerial)
}
