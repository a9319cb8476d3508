package cost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// DefaultRate is charged for GPU types missing from the rate table, in USD
// per second.
const DefaultRate = 0.000306

// DefaultRates are the built-in per-second prices, in USD.
var DefaultRates = map[string]float64{
	"T4":       0.000164,
	"L4":       0.000222,
	"A10G":     0.000306,
	"L40S":     0.000542,
	"A100-40G": 0.000583,
	"A100-80G": 0.000694,
	"H100":     0.001097,
}

// RatesFile is the YAML layout of a rate override file:
//
//	default: 0.0003
//	rates:
//	  A10G: 0.000306
//	  H100: 0.001097
type RatesFile struct {
	Default *float64           `yaml:"default"`
	Rates   map[string]float64 `yaml:"rates"`
}

// LoadRates reads a YAML rate file. Entries in the file override the
// built-in table; GPU types absent from the file keep their built-in rate.
func LoadRates(path string) (RatesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RatesFile{}, fmt.Errorf("read rates file: %w", err)
	}
	var rf RatesFile
	if err := yaml.UnmarshalStrict(data, &rf); err != nil {
		return RatesFile{}, fmt.Errorf("parse rates file %s: %w", path, err)
	}
	if rf.Default != nil && *rf.Default < 0 {
		return RatesFile{}, fmt.Errorf("rates file %s: default rate must not be negative", path)
	}
	for gpu, rate := range rf.Rates {
		if rate < 0 {
			return RatesFile{}, fmt.Errorf("rates file %s: rate for %s must not be negative", path, gpu)
		}
	}
	return rf, nil
}
