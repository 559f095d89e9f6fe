package m6610

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/meterdash/internal/serialport"
)

// DemoMeter generates simulated meter data for development and testing.
// Each report is encoded as a real frame and read back through ReadFrame,
// so the whole decode path runs without hardware.
type DemoMeter struct {
	mu        sync.Mutex
	port      *serialport.MemPort
	interval  time.Duration
	corruptN  int // every Nth frame gets a flipped byte, 0 disables
	rnd       *rand.Rand
	t         float64 // virtual time accumulator, seconds
	kwh       float64
	pavg      float64
	frames    int
	lastFrame time.Time
}

// DemoConfig tunes the simulated meter.
type DemoConfig struct {
	Interval     time.Duration // Report period, the chip's default is ~500 ms
	CorruptEvery int           // Corrupt one frame in N, 0 never
	Seed         int64
}

// NewDemoMeter creates a demo meter.
func NewDemoMeter(cfg DemoConfig) *DemoMeter {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DemoMeter{
		interval: cfg.Interval,
		corruptN: cfg.CorruptEvery,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (d *DemoMeter) Name() string { return "Demo (Simulated)" }

func (d *DemoMeter) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		d.port = serialport.NewMemPort()
	}
	return nil
}

func (d *DemoMeter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func (d *DemoMeter) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

func (d *DemoMeter) RequestRawData() (*RawData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil, fmt.Errorf("%w: demo meter closed", ErrNoDevice)
	}

	d.pace()
	if d.port.Buffered() == 0 {
		frame, err := EncodeFrame(AutoReportHeader, d.nextReport().Encode())
		if err != nil {
			return nil, err
		}
		d.frames++
		if d.corruptN > 0 && d.frames%d.corruptN == 0 {
			frame[2+d.rnd.Intn(ReportSize)] ^= 0x01
		}
		d.port.Feed(frame...)
	}

	payload, err := ReadFrame(d.port, AutoReportHeader)
	if err != nil {
		return nil, err
	}
	return &RawData{Payload: payload, Received: time.Now()}, nil
}

// pace sleeps out the rest of the report interval, as a real chip only
// speaks twice a second.
func (d *DemoMeter) pace() {
	if d.interval <= 0 {
		return
	}
	if wait := d.interval - time.Since(d.lastFrame); wait > 0 {
		time.Sleep(wait)
	}
	d.lastFrame = time.Now()
}

// nextReport simulates a 230 V / 50 Hz load drifting between 0.5 and 8 A.
func (d *DemoMeter) nextReport() Report {
	const dt = 0.5
	d.t += dt

	vrms := 230 + 3*math.Sin(d.t*0.05) + d.rnd.Float64()*0.5
	irms := 0.5 + 7.5*math.Pow(math.Sin(d.t*0.02), 2) + d.rnd.Float64()*0.05
	pf := 0.92 + 0.06*math.Sin(d.t*0.01)
	freq := 50 + 0.05*math.Sin(d.t*0.1)
	watts := vrms * irms * pf

	if d.pavg == 0 {
		d.pavg = watts
	}
	d.pavg += (watts - d.pavg) * 0.1
	d.kwh += watts * dt / 3600 / 1000

	return Report{
		Vrms:  int32(math.Round(vrms * VrmsScale)),
		Irms:  int32(math.Round(irms * IrmsScale)),
		Watts: int32(math.Round(watts * WattsScale)),
		Pavg:  int32(math.Round(d.pavg * PavgScale)),
		PF:    int32(math.Round(pf * PFScale)),
		Freq:  int32(math.Round(freq * FreqScale)),
		KwH:   int32(math.Round(d.kwh * KwHScale)),
	}
}

func (d *DemoMeter) ParseRawData(raw *RawData) (*Reading, error) {
	return parseRawData(raw)
}

func (d *DemoMeter) RequestData() (*Reading, error) {
	raw, err := d.RequestRawData()
	if err != nil {
		return nil, err
	}
	return d.ParseRawData(raw)
}

func (d *DemoMeter) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return fmt.Errorf("%w: demo meter closed", ErrNoDevice)
	}
	return d.port.Flush()
}
