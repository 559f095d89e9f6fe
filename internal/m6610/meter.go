package m6610

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/meterdash/internal/serialport"
)

// Meter implements Provider for a 78M6610 wired to a serial port.
type Meter struct {
	cfg      serialport.Config
	settings func() serialport.Config
	open     serialport.Opener
	header   byte
	log      *zap.Logger

	mu        sync.Mutex
	port      serialport.Port
	connected bool
}

// MeterConfig holds connection configuration for the Meter provider.
type MeterConfig struct {
	Serial serialport.Config
	Header byte              // Expected report header, AutoReportHeader if zero
	Opener serialport.Opener // serialport.Open if nil
	Logger *zap.Logger
	// Settings, when set, is consulted on every Connect so edited port
	// settings apply from the next reconnect. Serial is used otherwise.
	Settings func() serialport.Config
}

// NewMeter creates a new Meter provider.
func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Header == 0 {
		cfg.Header = AutoReportHeader
	}
	if cfg.Opener == nil {
		cfg.Opener = serialport.Open
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Meter{
		cfg:      cfg.Serial.WithDefaults(),
		settings: cfg.Settings,
		open:     cfg.Opener,
		header:   cfg.Header,
		log:      cfg.Logger.Named("meter"),
	}
}

func (m *Meter) Name() string { return "78M6610" }

// Connect opens the port and discards whatever arrived before we were
// listening, so the first read starts close to a frame boundary.
func (m *Meter) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	if m.settings != nil {
		m.cfg = m.settings().WithDefaults()
	}

	port, err := m.open(m.cfg)
	if err != nil {
		return fmt.Errorf("m6610: failed to open %s: %w", m.cfg.Path, err)
	}
	if err := port.Flush(); err != nil {
		m.log.Warn("flush after open failed", zap.String("port", m.cfg.Path), zap.Error(err))
	}
	m.port = port
	m.connected = true

	m.log.Info("connected",
		zap.String("port", m.cfg.Path),
		zap.String("driver", m.cfg.Driver),
		zap.Int("baud", m.cfg.BaudRate))
	return nil
}

// Close resets then closes the port. The port is detached under the lock
// but released outside it so a reader blocked in ReadFull cannot wedge
// Close.
func (m *Meter) Close() error {
	m.mu.Lock()
	port := m.port
	m.port = nil
	m.connected = false
	m.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Reset(); err != nil {
		m.log.Debug("reset before close failed", zap.Error(err))
	}
	return port.Close()
}

func (m *Meter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Meter) currentPort() serialport.Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// RequestRawData reads one frame. A device-level failure marks the meter
// disconnected so the caller knows to reconnect.
func (m *Meter) RequestRawData() (*RawData, error) {
	port := m.currentPort()
	if port == nil {
		return nil, fmt.Errorf("%w: not connected", ErrNoDevice)
	}

	payload, err := ReadFrame(port, m.header)
	if err != nil {
		if errors.Is(err, ErrNoDevice) {
			m.mu.Lock()
			if m.port == port {
				m.connected = false
			}
			m.mu.Unlock()
		}
		return nil, err
	}
	return &RawData{Payload: payload, Received: time.Now()}, nil
}

func (m *Meter) ParseRawData(raw *RawData) (*Reading, error) {
	return parseRawData(raw)
}

func (m *Meter) RequestData() (*Reading, error) {
	raw, err := m.RequestRawData()
	if err != nil {
		return nil, err
	}
	return m.ParseRawData(raw)
}

func (m *Meter) Flush() error {
	port := m.currentPort()
	if port == nil {
		return fmt.Errorf("%w: not connected", ErrNoDevice)
	}
	return port.Flush()
}
