package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunagostinho/meterdash/internal/m6610"
)

// scriptedMeter replays a fixed list of outcomes, a nil error meaning a
// reading.
type scriptedMeter struct {
	m6610.Provider
	script  []error
	flushes int
}

func (s *scriptedMeter) RequestData() (*m6610.Reading, error) {
	if len(s.script) == 0 {
		return nil, fmt.Errorf("%w: script exhausted", m6610.ErrNoDevice)
	}
	err := s.script[0]
	s.script = s.script[1:]
	if err != nil {
		return nil, err
	}
	return &m6610.Reading{Values: m6610.Values{Vrms: 230, Freq: 50}, Received: time.Now()}, nil
}

func (s *scriptedMeter) Flush() error {
	s.flushes++
	return nil
}

func TestReadSkipsBadFrames(t *testing.T) {
	m := &scriptedMeter{script: []error{
		m6610.ErrChecksumMismatch,
		nil,
		m6610.ErrTimeout,
		&m6610.HeaderError{Got: 0xAF, Want: 0xAE},
		m6610.ErrFrameLength,
		nil,
	}}
	var out bytes.Buffer
	require.NoError(t, read(context.Background(), m, &out, 2, time.Minute, zap.NewNop()))

	assert.Equal(t, 2, m.flushes)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var r map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &r))
	assert.InDelta(t, 230.0, r["vrms"], 1e-6)
}

func TestReadStopsOnDeviceLoss(t *testing.T) {
	m := &scriptedMeter{script: []error{nil}}
	var out bytes.Buffer
	err := read(context.Background(), m, &out, 0, time.Minute, zap.NewNop())
	require.ErrorIs(t, err, m6610.ErrNoDevice)
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
}

func TestReadGivesUpWhenIdle(t *testing.T) {
	m := &scriptedMeter{script: []error{m6610.ErrTimeout, m6610.ErrTimeout}}
	err := read(context.Background(), m, &bytes.Buffer{}, 1, -time.Second, zap.NewNop())
	require.ErrorIs(t, err, m6610.ErrTimeout)
	assert.Contains(t, err.Error(), "no reading")
}

// blockedMeter holds every read until Close.
type blockedMeter struct {
	m6610.Provider
	closed chan struct{}
}

func (b *blockedMeter) RequestData() (*m6610.Reading, error) {
	<-b.closed
	return nil, fmt.Errorf("%w: closed", m6610.ErrNoDevice)
}

func (b *blockedMeter) Close() error {
	close(b.closed)
	return nil
}

func TestReadReturnsOnCancel(t *testing.T) {
	m := &blockedMeter{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- read(ctx, m, &bytes.Buffer{}, 1, time.Minute, zap.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("read still blocked after cancel")
	}
}
