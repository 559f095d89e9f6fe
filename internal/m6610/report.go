package m6610

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReportSize is the payload size of an auto-report: nine 24-bit fields.
const ReportSize = 27

const fieldSize = 3

// Fixed scale of each measurement. The decoded value is raw / scale.
const (
	VrmsScale  = 1000.0
	IrmsScale  = 128700.1287
	WattsScale = 200.0
	PavgScale  = 200.0
	PFScale    = 1000.0
	FreqScale  = 1000.0
	KwHScale   = 1000.0
)

// Report is a validated auto-report payload with each field sign-extended
// from 24 bits.
type Report struct {
	Reserved1 int32
	Reserved2 int32
	Vrms      int32
	Irms      int32
	Watts     int32
	Pavg      int32
	PF        int32
	Freq      int32
	KwH       int32
}

// Values holds the calibrated measurements of one report.
type Values struct {
	Vrms  float32 `json:"vrms"`  // V
	Irms  float32 `json:"irms"`  // A
	Watts float32 `json:"watts"` // W, instantaneous
	Pavg  float32 `json:"pavg"`  // W, averaged
	PF    float32 `json:"pf"`
	Freq  float32 `json:"freq"` // Hz
	KwH   float32 `json:"kwh"`
}

// Reading is a decoded report stamped with the time its frame arrived.
type Reading struct {
	Values
	Received time.Time `json:"received"`
}

// ParseReport extracts the nine little-endian 24-bit fields of payload.
func ParseReport(payload []byte) (Report, error) {
	if len(payload) != ReportSize {
		return Report{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPayload, len(payload), ReportSize)
	}
	field := func(i int) int32 { return int24(payload[i*fieldSize:]) }
	return Report{
		Reserved1: field(0),
		Reserved2: field(1),
		Vrms:      field(2),
		Irms:      field(3),
		Watts:     field(4),
		Pavg:      field(5),
		PF:        field(6),
		Freq:      field(7),
		KwH:       field(8),
	}, nil
}

// Decode parses payload and scales it.
func Decode(payload []byte) (Values, error) {
	r, err := ParseReport(payload)
	if err != nil {
		return Values{}, err
	}
	return r.Values(), nil
}

// Values applies the fixed scales. The reserved fields are dropped.
func (r Report) Values() Values {
	return Values{
		Vrms:  float32(r.Vrms) / VrmsScale,
		Irms:  float32(r.Irms) / IrmsScale,
		Watts: float32(r.Watts) / WattsScale,
		Pavg:  float32(r.Pavg) / PavgScale,
		PF:    float32(r.PF) / PFScale,
		Freq:  float32(r.Freq) / FreqScale,
		KwH:   float32(r.KwH) / KwHScale,
	}
}

// Encode packs r back into its 27 byte wire form. Fields are truncated to
// 24 bits.
func (r Report) Encode() []byte {
	b := make([]byte, ReportSize)
	for i, v := range []int32{r.Reserved1, r.Reserved2, r.Vrms, r.Irms, r.Watts, r.Pavg, r.PF, r.Freq, r.KwH} {
		putInt24(b[i*fieldSize:], v)
	}
	return b
}

// JSON renders the values for clients.
func (v Values) JSON() ([]byte, error) {
	return json.Marshal(v)
}

func int24(b []byte) int32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
