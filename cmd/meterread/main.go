// Command meterread prints auto-reports from a 78M6610 as JSON lines.
//
//	meterread -port /dev/ttyUSB0 -count 10
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/meterdash/internal/logging"
	"github.com/shaunagostinho/meterdash/internal/m6610"
	"github.com/shaunagostinho/meterdash/internal/serialport"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "Serial device the meter is on")
	driver := flag.String("driver", serialport.DriverTermios, "Port driver: termios or serial")
	baud := flag.Int("baud", 19200, "Baud rate")
	header := flag.Uint("header", uint(m6610.AutoReportHeader), "Expected frame header")
	count := flag.Int("count", 1, "Readings to print, 0 for no limit")
	timeout := flag.Duration("timeout", 10*time.Second, "Give up when no reading arrives for this long")
	verbose := flag.Bool("v", false, "Log every bad frame")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logging.NewStderr(logging.Config{Level: level, Format: "console"})
	defer log.Sync()

	if *header > 0xFF {
		fmt.Fprintf(os.Stderr, "meterread: header %#x does not fit in a byte\n", *header)
		os.Exit(2)
	}

	meter := m6610.NewMeter(m6610.MeterConfig{
		Serial: serialport.Config{Path: *port, Driver: *driver, BaudRate: *baud},
		Header: byte(*header),
		Logger: log,
	})
	if err := meter.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, "meterread:", err)
		os.Exit(1)
	}
	defer meter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := read(ctx, meter, os.Stdout, *count, *timeout, log); err != nil {
		fmt.Fprintln(os.Stderr, "meterread:", err)
		meter.Close()
		os.Exit(1)
	}
}

// read prints count readings, resynchronizing after bad frames. It fails
// when the device goes away or no reading arrives within idle. Cancelling
// ctx closes the meter and ends the read cleanly.
func read(ctx context.Context, meter m6610.Provider, w io.Writer, count int, idle time.Duration, log *zap.Logger) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			meter.Close()
		case <-done:
		}
	}()

	enc := json.NewEncoder(w)
	last := time.Now()
	for n := 0; count == 0 || n < count; {
		if ctx.Err() != nil {
			return nil
		}
		reading, err := meter.RequestData()
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			if err := enc.Encode(reading); err != nil {
				return err
			}
			n++
			last = time.Now()
			continue
		case errors.Is(err, m6610.ErrNoDevice):
			return err
		case errors.Is(err, m6610.ErrChecksumMismatch), errors.Is(err, m6610.ErrFrameLength):
			log.Debug("resync", zap.Error(err))
			if err := meter.Flush(); err != nil {
				return err
			}
		default:
			log.Debug("skipped", zap.String("result", m6610.Classify(err)), zap.Error(err))
		}
		if time.Since(last) > idle {
			return fmt.Errorf("no reading for %v, last error: %w", idle, err)
		}
	}
	return nil
}
