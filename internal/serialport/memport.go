package serialport

import (
	"fmt"
	"sync"
)

// MemPort is an in-memory Port. Bytes queued with Feed are returned by
// ReadFull; bytes passed to Write are collected for Written.
//
// ReadFull never blocks: asking for more bytes than are queued consumes
// what is there and fails with ErrShortRead, which is what a real device
// does when its inter-byte timer runs out.
type MemPort struct {
	mu      sync.Mutex
	in      []byte
	out     []byte
	closed  bool
	resets  int
	flushes int
}

// NewMemPort returns an open MemPort with optional initial input.
func NewMemPort(input ...byte) *MemPort {
	return &MemPort{in: append([]byte(nil), input...)}
}

// Feed queues bytes for subsequent reads.
func (m *MemPort) Feed(b ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in = append(m.in, b...)
}

// Buffered reports how many queued bytes have not been read.
func (m *MemPort) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.in)
}

// Written returns a copy of everything written so far.
func (m *MemPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.out...)
}

// Resets reports how many times Reset was called.
func (m *MemPort) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Flushes reports how many times Flush was called.
func (m *MemPort) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Closed reports whether Close was called.
func (m *MemPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemPort) ReadFull(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		return []byte{}, nil
	}
	if len(m.in) < n {
		got := len(m.in)
		m.in = m.in[:0]
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, got, n)
	}
	buf := make([]byte, n)
	copy(buf, m.in)
	m.in = m.in[n:]
	return buf, nil
}

func (m *MemPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.out = append(m.out, p...)
	return len(p), nil
}

func (m *MemPort) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *MemPort) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.flushes++
	m.in = m.in[:0]
	return nil
}

func (m *MemPort) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
