package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/meterdash/internal/m6610"
)

// maxLoggedAttempts is how many failed connects are logged with a
// countdown before the loop settles at the maximum backoff.
const maxLoggedAttempts = 10

// pollLoop reads frames until ctx is cancelled, reconnecting whenever the
// meter drops off. Cancelling ctx closes the meter, which releases a read
// stuck on a silent line.
func (s *Server) pollLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.stopping.Store(true)
			if err := s.meter.Close(); err != nil {
				s.log.Debug("meter close", zap.Error(err))
			}
		case <-done:
		}
	}()
	defer func() {
		if err := s.meter.Close(); err != nil {
			s.log.Debug("meter close", zap.Error(err))
		}
		s.metrics.SetConnected(false)
	}()

	for ctx.Err() == nil {
		if !s.meter.IsConnected() {
			if !s.connectWithRetry(ctx) {
				return
			}
			// ctx may have ended while connecting.
			continue
		}
		s.pollOnce()
	}
}

// pollOnce reads and decodes one frame and applies the recovery policy for
// its outcome. It returns the outcome label.
func (s *Server) pollOnce() string {
	raw, err := s.meter.RequestRawData()
	var reading *m6610.Reading
	if err == nil {
		reading, err = s.meter.ParseRawData(raw)
	}

	result := m6610.Classify(err)
	s.metrics.CountFrame(err)

	s.latestMu.Lock()
	if err == nil {
		s.latest = reading
		s.lastErr = ""
	} else {
		s.lastErr = result
	}
	s.latestMu.Unlock()

	switch {
	case err == nil:
		s.metrics.Observe(reading.Values)
		s.broadcast(Frame{Reading: reading, Meter: s.status(), Stamp: time.Now().UnixMilli()})
		select {
		case s.publishCh <- reading:
		default:
			s.warnThrottled("publish queue full, dropping reading")
		}

	case errors.Is(err, m6610.ErrTimeout):
		// Silence on the line; the meter may be between reports.
		s.log.Debug("read timed out", zap.Error(err))

	case errors.Is(err, m6610.ErrChecksumMismatch), errors.Is(err, m6610.ErrFrameLength):
		// Out of step with the byte stream. Drop what is buffered and pick
		// up at the next frame.
		s.warnThrottled("bad frame, resynchronizing", zap.String("result", result), zap.Error(err))
		if ferr := s.meter.Flush(); ferr != nil {
			s.log.Debug("flush failed", zap.Error(ferr))
		}

	case errors.Is(err, m6610.ErrUnexpectedHeader):
		s.log.Debug("ignoring frame", zap.Error(err))

	case errors.Is(err, m6610.ErrMalformedPayload):
		s.warnThrottled("undecodable payload", zap.Error(err))

	default:
		if s.stopping.Load() {
			s.log.Debug("meter released for shutdown", zap.Error(err))
		} else {
			s.log.Warn("meter lost", zap.Error(err))
		}
		if cerr := s.meter.Close(); cerr != nil {
			s.log.Debug("meter close", zap.Error(cerr))
		}
		s.metrics.SetConnected(false)
		s.broadcast(Frame{Meter: s.status(), Stamp: time.Now().UnixMilli()})
	}
	return result
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at initialBackoff, doubles each attempt up to maxBackoff and keeps
// retrying at that interval. It returns false only when ctx is cancelled.
func (s *Server) connectWithRetry(ctx context.Context) bool {
	delay := s.initialBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}

		err := s.meter.Connect()
		if err == nil {
			s.connects++
			if s.connects > 1 {
				s.metrics.Reconnects.Inc()
			}
			s.metrics.SetConnected(true)
			s.log.Info("meter connected", zap.String("meter", s.meter.Name()), zap.Int("attempt", attempt+1))
			s.broadcast(Frame{Reading: s.Latest(), Meter: s.status(), Stamp: time.Now().UnixMilli()})
			return true
		}

		attempt++
		if attempt <= maxLoggedAttempts {
			s.log.Warn("connect failed",
				zap.Int("attempt", attempt),
				zap.Int("of", maxLoggedAttempts),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		} else {
			s.log.Debug("connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// warnThrottled logs at warn level unless the error budget is spent. The
// number of swallowed messages rides along on the next one let through.
func (s *Server) warnThrottled(msg string, fields ...zap.Field) {
	s.suppressMu.Lock()
	defer s.suppressMu.Unlock()
	if !s.errLimit.Allow() {
		s.suppressed++
		return
	}
	if s.suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", s.suppressed))
		s.suppressed = 0
	}
	s.log.Warn(msg, fields...)
}
