package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/meterdash/internal/m6610"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// MeterMetrics tracks frame outcomes and the last decoded values.
type MeterMetrics struct {
	Frames     *prometheus.CounterVec // labels: result=ok|timeout|checksum|header|length|malformed|no_device
	Reconnects prometheus.Counter
	Connected  prometheus.Gauge

	Vrms  prometheus.Gauge
	Irms  prometheus.Gauge
	Watts prometheus.Gauge
	Pavg  prometheus.Gauge
	PF    prometheus.Gauge
	Freq  prometheus.Gauge
	KwH   prometheus.Gauge
}

// NewMeterMetrics registers and returns the meter metrics.
func NewMeterMetrics(reg prometheus.Registerer) *MeterMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	m := &MeterMetrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_frames_total",
			Help: "Frame read attempts by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meter_reconnects_total",
			Help: "Successful reconnects to the meter port.",
		}),
		Connected: gauge("meter_connected", "1 while the meter port is open."),
		Vrms:      gauge("meter_vrms_volts", "RMS voltage."),
		Irms:      gauge("meter_irms_amps", "RMS current."),
		Watts:     gauge("meter_power_watts", "Instantaneous active power."),
		Pavg:      gauge("meter_power_avg_watts", "Averaged active power."),
		PF:        gauge("meter_power_factor", "Power factor."),
		Freq:      gauge("meter_frequency_hertz", "Line frequency."),
		KwH:       gauge("meter_energy_kwh", "Accumulated energy."),
	}
	reg.MustRegister(m.Frames, m.Reconnects, m.Connected,
		m.Vrms, m.Irms, m.Watts, m.Pavg, m.PF, m.Freq, m.KwH)
	return m
}

// CountFrame records the outcome of one frame read.
func (m *MeterMetrics) CountFrame(err error) {
	m.Frames.WithLabelValues(m6610.Classify(err)).Inc()
}

// Observe publishes v as the current gauge values.
func (m *MeterMetrics) Observe(v m6610.Values) {
	m.Vrms.Set(float64(v.Vrms))
	m.Irms.Set(float64(v.Irms))
	m.Watts.Set(float64(v.Watts))
	m.Pavg.Set(float64(v.Pavg))
	m.PF.Set(float64(v.PF))
	m.Freq.Set(float64(v.Freq))
	m.KwH.Set(float64(v.KwH))
}

// SetConnected flips the connected gauge.
func (m *MeterMetrics) SetConnected(on bool) {
	if on {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
