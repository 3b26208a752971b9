// Package simulator generates synthetic energy-meter telemetry for demos
// and load testing. Each simulated meter publishes the flat JSON parameter
// payloads real hardware sends: voltage, current, power factor, frequency,
// and total power.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Meter is one simulated energy meter.
type Meter struct {
	HardwareAddress string
	Name            string

	baseVoltage float64
	baseLoadKW  float64
	powerFactor float64
	noise       float64
}

// NewMeter creates a meter with a random five-digit hardware address and a
// faked site name.
func NewMeter() *Meter {
	return &Meter{
		HardwareAddress: fmt.Sprintf("%05d", gofakeit.Number(10000, 99999)),
		Name:            fmt.Sprintf("%s %s", gofakeit.Company(), gofakeit.StreetName()),
		baseVoltage:     230.0 + (rand.Float64()-0.5)*4,  // 228-232 V nominal
		baseLoadKW:      1.0 + rand.Float64()*4,          // 1-5 kW baseline
		powerFactor:     0.88 + rand.Float64()*0.1,       // 0.88-0.98
		noise:           0.5 + rand.Float64(),            // per-meter jitter
	}
}

// Topic returns the publish topic for this meter under a prefix.
func (m *Meter) Topic(prefix string) string {
	if prefix == "" {
		return m.HardwareAddress
	}
	return prefix + "/" + m.HardwareAddress
}

// Sample produces one parameter map for the given wall-clock time. Load
// follows a daily cycle peaking in the early afternoon; voltage and
// frequency wander around their nominals.
func (m *Meter) Sample(t time.Time) map[string]float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60

	// Daily load cycle, peaking around 14:00.
	cycle := 0.5 + 0.5*math.Sin((hour-8)*math.Pi/12)
	loadKW := m.baseLoadKW * (0.4 + cycle)
	loadKW += (rand.Float64() - 0.5) * m.noise * 0.2

	voltage := m.baseVoltage + (rand.Float64()-0.5)*m.noise*2
	pf := clamp(m.powerFactor+(rand.Float64()-0.5)*0.02, 0, 1)
	hz := 50.0 + (rand.Float64()-0.5)*0.1

	// I = P / (V * pf), single phase.
	amps := loadKW * 1000 / (voltage * pf)

	return map[string]float64{
		"v":   round1(voltage),
		"a":   round2(amps),
		"pf":  round2(pf),
		"hz":  round2(hz),
		"tkW": round2(loadKW),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
