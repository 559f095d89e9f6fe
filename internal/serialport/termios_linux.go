//go:build linux

package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// maxVMIN is the largest minimum byte count the line discipline accepts.
const maxVMIN = 255

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// termiosPort drives the tty directly so each read can retune VMIN to the
// number of bytes wanted, with VTIME as the inter-byte timer. The wait for
// the first byte happens in poll(2) next to a wake pipe, so Reset and Close
// can release a blocked reader.
type termiosPort struct {
	path      string
	vtime     uint8
	firstByte time.Duration

	// mu is held shared for every use of fd and exclusively by Close, which
	// sets closing and wakes the reader first.
	mu      sync.RWMutex
	fd      int
	wakeR   int
	wakeW   int
	closing atomic.Bool
}

func openTermios(cfg Config) (Port, error) {
	speed, ok := baudRates[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrDeviceUnavailable, cfg.BaudRate)
	}
	fd, err := unix.Open(cfg.Path, unix.O_RDWR|unix.O_NOCTTY|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, cfg.Path, err)
	}
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: wake pipe for %s: %v", ErrDeviceUnavailable, cfg.Path, err)
	}
	p := &termiosPort{
		path:      cfg.Path,
		vtime:     vtimeTicks(cfg.InterByteTimeoutMs),
		firstByte: cfg.firstByteTimeout(),
		fd:        fd,
		wakeR:     wake[0],
		wakeW:     wake[1],
	}
	if err := p.configure(speed); err != nil {
		p.closeFDs()
		return nil, fmt.Errorf("%w: configure %s: %v", ErrDeviceUnavailable, cfg.Path, err)
	}
	return p, nil
}

// vtimeTicks converts milliseconds to VTIME deciseconds, at least one tick.
func vtimeTicks(ms int) uint8 {
	ticks := (ms + 99) / 100
	if ticks < 1 {
		return 1
	}
	if ticks > 255 {
		return 255
	}
	return uint8(ticks)
}

func (p *termiosPort) configure(speed uint32) error {
	tty, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}

	tty.Cflag &^= unix.CBAUD | unix.CSIZE | unix.CSTOPB | unix.CRTSCTS | unix.PARODD
	tty.Cflag |= speed | unix.CS8 | unix.PARENB | unix.CLOCAL | unix.CREAD

	// Raw, non-canonical mode.
	tty.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tty.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tty.Oflag &^= unix.OPOST

	tty.Cc[unix.VMIN] = 0
	tty.Cc[unix.VTIME] = p.vtime

	return unix.IoctlSetTermios(p.fd, unix.TCSETS, tty)
}

func (p *termiosPort) setVMIN(vmin uint8) error {
	tty, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	tty.Cc[unix.VMIN] = vmin
	tty.Cc[unix.VTIME] = p.vtime
	return unix.IoctlSetTermios(p.fd, unix.TCSETS, tty)
}

// acquire takes the shared lock for one operation on fd.
func (p *termiosPort) acquire() bool {
	p.mu.RLock()
	if p.closing.Load() || p.fd < 0 {
		p.mu.RUnlock()
		return false
	}
	return true
}

func (p *termiosPort) ReadFull(n int) ([]byte, error) {
	if !p.acquire() {
		return nil, ErrClosed
	}
	defer p.mu.RUnlock()

	if n <= 0 {
		return []byte{}, nil
	}
	if n > maxVMIN {
		return nil, fmt.Errorf("%w: %d bytes exceeds VMIN range", ErrShortRead, n)
	}
	if err := p.setVMIN(uint8(n)); err != nil {
		return nil, fmt.Errorf("serialport: set VMIN on %s: %w", p.path, err)
	}

	p.drainWake()
	if p.closing.Load() {
		return nil, ErrClosed
	}
	ready, err := p.waitReadable()
	if err != nil {
		return nil, fmt.Errorf("serialport: poll %s: %w", p.path, err)
	}
	if !ready {
		if p.closing.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: got 0 of %d bytes", ErrShortRead, n)
	}

	buf := make([]byte, n)
	got, err := p.read(buf)
	if err != nil {
		clear(buf)
		return nil, fmt.Errorf("serialport: read %s: %w", p.path, err)
	}
	if got != n {
		clear(buf)
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, got, n)
	}
	return buf, nil
}

// waitReadable blocks until the tty has input, the first-byte timeout
// passes or the wake pipe fires. It reports whether the tty is readable.
func (p *termiosPort) waitReadable() (bool, error) {
	deadline := time.Now().Add(p.firstByte)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		fds := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.wakeR), Events: unix.POLLIN},
		}
		ms := int((remaining + time.Millisecond - 1) / time.Millisecond)
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[1].Revents != 0 {
			p.drainWake()
			return false, nil
		}
		// POLLHUP and POLLERR fall through to read, which reports them.
		return true, nil
	}
}

// drainWake empties the wake pipe so an old wakeup cannot cut a later
// read short.
func (p *termiosPort) drainWake() {
	var b [16]byte
	for {
		n, err := unix.Read(p.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *termiosPort) wake() {
	unix.Write(p.wakeW, []byte{1})
}

func (p *termiosPort) read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (p *termiosPort) Write(data []byte) (int, error) {
	if !p.acquire() {
		return 0, ErrClosed
	}
	defer p.mu.RUnlock()

	var (
		n   int
		err error
	)
	for {
		n, err = unix.Write(p.fd, data)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("serialport: write %s: %w", p.path, err)
	}
	// ttys answer fsync with EINVAL; the drain below is what matters.
	_ = unix.Fsync(p.fd)
	if err := unix.IoctlSetInt(p.fd, unix.TCSBRK, 1); err != nil {
		return n, fmt.Errorf("serialport: drain %s: %w", p.path, err)
	}
	if n != len(data) {
		return n, fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(data))
	}
	return n, nil
}

// Reset drops VMIN to zero and wakes a reader waiting for its first byte.
func (p *termiosPort) Reset() error {
	if !p.acquire() {
		return nil
	}
	defer p.mu.RUnlock()
	p.wake()
	return p.setVMIN(0)
}

func (p *termiosPort) Flush() error {
	if !p.acquire() {
		return ErrClosed
	}
	defer p.mu.RUnlock()
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// Close wakes any blocked reader, waits for in-flight I/O to return and
// then releases the descriptors.
func (p *termiosPort) Close() error {
	if p == nil || !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	p.wake()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeFDs()
}

func (p *termiosPort) closeFDs() error {
	err := unix.Close(p.fd)
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	p.fd, p.wakeR, p.wakeW = -1, -1, -1
	return err
}
