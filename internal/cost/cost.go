package cost

import (
	"maps"
	"math"
	"time"
)

// Record is the cost of one generation. It cannot be modified once created.
type Record struct {
	gpuType  string
	seconds  float64
	rate     float64
	total    float64
	fallback bool
}

// GPUType returns the GPU type the cost was attributed to.
func (r Record) GPUType() string { return r.gpuType }

// Seconds returns the measured duration in seconds.
func (r Record) Seconds() float64 { return r.seconds }

// Rate returns the applied price in USD per second.
func (r Record) Rate() float64 { return r.rate }

// Total returns the cost in USD, rounded to six decimal places.
func (r Record) Total() float64 { return r.total }

// Fallback reports whether the default rate was used because the GPU type
// had no entry in the table.
func (r Record) Fallback() bool { return r.fallback }

// Attributor prices durations. It is safe for concurrent use.
type Attributor struct {
	rates       map[string]float64
	defaultRate float64
}

// NewAttributor creates an attributor over the built-in rate table, with
// overrides applied on top. A nil defaultRate keeps DefaultRate.
func NewAttributor(overrides map[string]float64, defaultRate *float64) *Attributor {
	rates := maps.Clone(DefaultRates)
	maps.Copy(rates, overrides)
	a := &Attributor{rates: rates, defaultRate: DefaultRate}
	if defaultRate != nil {
		a.defaultRate = *defaultRate
	}
	return a
}

// Attribute prices d on gpuType. Unknown GPU types are charged the default
// rate; attribution never fails. Negative durations count as zero.
func (a *Attributor) Attribute(gpuType string, d time.Duration) Record {
	rate, ok := a.rates[gpuType]
	if !ok {
		rate = a.defaultRate
	}
	seconds := max(d.Seconds(), 0)
	return Record{
		gpuType:  gpuType,
		seconds:  seconds,
		rate:     rate,
		total:    round6(seconds * rate),
		fallback: !ok,
	}
}

// Rate returns the rate for gpuType and whether the table has one.
func (a *Attributor) Rate(gpuType string) (float64, bool) {
	rate, ok := a.rates[gpuType]
	if !ok {
		return a.defaultRate, false
	}
	return rate, true
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
