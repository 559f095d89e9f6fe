//go:build linux

package serialport

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openPTY returns the master side of a fresh pseudo-terminal and the path of
// its slave, skipping the test when the host has no pty support.
func openPTY(t *testing.T) (*os.File, string) {
	t.Helper()
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Skipf("no pty support: %v", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(fd)
		t.Skipf("unlock pty: %v", err)
	}
	n, err := unix.IoctlGetUint32(fd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(fd)
		t.Skipf("pty number: %v", err)
	}
	master := os.NewFile(uintptr(fd), "/dev/ptmx")
	t.Cleanup(func() { master.Close() })
	return master, fmt.Sprintf("/dev/pts/%d", n)
}

func openTestTermios(t *testing.T) (*os.File, Port) {
	t.Helper()
	return openTestTermiosWith(t, Config{})
}

func openTestTermiosWith(t *testing.T, cfg Config) (*os.File, Port) {
	t.Helper()
	master, slave := openPTY(t)
	cfg.Path = slave
	cfg.Driver = DriverTermios
	p, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return master, p
}

func TestTermiosUnsupportedBaud(t *testing.T) {
	_, slave := openPTY(t)
	_, err := Open(Config{Path: slave, Driver: DriverTermios, BaudRate: 12345})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestTermiosRead(t *testing.T) {
	master, p := openTestTermios(t)

	want := []byte{0x01, 0x02, 0x03, 0x13, 0x11, 0xff}
	_, err := master.Write(want)
	require.NoError(t, err)

	got, err := p.ReadFull(len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTermiosReadTimeout(t *testing.T) {
	master, p := openTestTermios(t)

	_, err := master.Write([]byte{0x05, 0x08, 0x02, 0x13})
	require.NoError(t, err)

	start := time.Now()
	got, err := p.ReadFull(6)
	require.ErrorIs(t, err, ErrShortRead)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTermiosReadTooLarge(t *testing.T) {
	_, p := openTestTermios(t)

	_, err := p.ReadFull(maxVMIN + 1)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestTermiosWrite(t *testing.T) {
	master, p := openTestTermios(t)

	want := []byte{0x08, 0x02, 0x04, 0x13, 0x11, 0xe0}
	n, err := p.Write(want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	got := make([]byte, len(want))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(master, got)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("written bytes never reached the master side")
	}
	assert.Equal(t, want, got)
}

func TestTermiosFlushResetClose(t *testing.T) {
	master, p := openTestTermios(t)

	_, err := master.Write([]byte{0xde, 0xad})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Flush())
	require.NoError(t, p.Reset())

	_, err = master.Write([]byte{0xae})
	require.NoError(t, err)
	got, err := p.ReadFull(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xae}, got)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.ReadFull(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestVTIMETicks(t *testing.T) {
	assert.Equal(t, uint8(1), vtimeTicks(0))
	assert.Equal(t, uint8(1), vtimeTicks(100))
	assert.Equal(t, uint8(2), vtimeTicks(101))
	assert.Equal(t, uint8(255), vtimeTicks(60000))
}

func TestTermiosSilentLineTimesOut(t *testing.T) {
	_, p := openTestTermiosWith(t, Config{FirstByteTimeoutMs: 150})

	start := time.Now()
	_, err := p.ReadFull(1)
	require.ErrorIs(t, err, ErrShortRead)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestTermiosCloseReleasesBlockedRead(t *testing.T) {
	_, p := openTestTermiosWith(t, Config{FirstByteTimeoutMs: 60000})

	done := make(chan error, 1)
	go func() {
		_, err := p.ReadFull(30)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after Close")
	}
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestTermiosResetReleasesBlockedRead(t *testing.T) {
	master, p := openTestTermiosWith(t, Config{FirstByteTimeoutMs: 60000})

	done := make(chan error, 1)
	go func() {
		_, err := p.ReadFull(1)
		done <- err
	}()
	// A Reset that lands before the reader starts waiting is absorbed, so
	// keep nudging until the read gives up.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(2 * time.Second)
	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-tick.C:
			require.NoError(t, p.Reset())
		case <-deadline:
			t.Fatal("read still blocked after Reset")
		}
	}
	require.ErrorIs(t, err, ErrShortRead)

	// The port stays usable and the old wakeup does not leak into the
	// next read.
	_, err = master.Write([]byte{0xae})
	require.NoError(t, err)
	got, err := p.ReadFull(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xae}, got)
}
