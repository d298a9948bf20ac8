package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"bmp180-go/x/mathx"
)

// Sampler configuration, supplied on topic "config/baro" or as a JSON file.

const (
	DefaultAddr       = 0x77
	DefaultPeriodMs   = 1000
	DefaultSeaLevelPa = 101325

	MinPeriodMs = 200
	MaxPeriodMs = 3600 * 1000
)

type SamplerConfig struct {
	Devices []BaroConfig `json:"devices"`
}

type BaroConfig struct {
	ID           string `json:"id"`             // logical id, e.g. "indoor"
	Bus          string `json:"bus"`            // transport bus name, e.g. "1" or "/dev/i2c-1"
	Addr         uint16 `json:"addr,omitempty"` // 7-bit; 0 => 0x77
	Oversampling uint8  `json:"oversampling"`   // 0..3
	PeriodMs     uint32 `json:"period_ms,omitempty"`
	SeaLevelPa   int32  `json:"sea_level_pa,omitempty"`
}

var (
	errNoID       = errors.New("id must be set")
	errNoBus      = errors.New("bus must be set")
	errDuplicate  = errors.New("duplicate device id")
	errNoDevices  = errors.New("no devices configured")
	errSeaLevelPa = errors.New("sea_level_pa out of range (30000..110000)")
)

// WithDefaults fills zero fields.
func (c BaroConfig) WithDefaults() BaroConfig {
	if c.Addr == 0 {
		c.Addr = DefaultAddr
	}
	if c.PeriodMs == 0 {
		c.PeriodMs = DefaultPeriodMs
	}
	if c.SeaLevelPa == 0 {
		c.SeaLevelPa = DefaultSeaLevelPa
	}
	return c
}

// Validate checks a config after WithDefaults.
func (c BaroConfig) Validate() error {
	if c.ID == "" {
		return errNoID
	}
	if c.Bus == "" {
		return errNoBus
	}
	if !mathx.Between(c.Addr, 0x08, 0x77) {
		return fmt.Errorf("addr %#x is not a 7-bit device address", c.Addr)
	}
	if c.Oversampling > 3 {
		return fmt.Errorf("oversampling %d out of range (0..3)", c.Oversampling)
	}
	if !mathx.Between(c.PeriodMs, MinPeriodMs, MaxPeriodMs) {
		return fmt.Errorf("period_ms %d out of range (%d..%d)", c.PeriodMs, MinPeriodMs, MaxPeriodMs)
	}
	if !mathx.Between(c.SeaLevelPa, 30000, 110000) {
		return errSeaLevelPa
	}
	return nil
}

// Validate checks the set and, on success, replaces c.Devices with a new
// slice holding the defaulted devices. The old backing array is never
// written, so a config already handed to other goroutines stays intact.
func (c *SamplerConfig) Validate() error {
	if len(c.Devices) == 0 {
		return errNoDevices
	}
	devs := make([]BaroConfig, len(c.Devices))
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		d = d.WithDefaults()
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %d (%q): %w", i, d.ID, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("device %q: %w", d.ID, errDuplicate)
		}
		seen[d.ID] = true
		devs[i] = d
	}
	c.Devices = devs
	return nil
}

// ReadSamplerConfig decodes and validates a JSON config. Unknown fields are
// rejected.
func ReadSamplerConfig(r io.Reader) (SamplerConfig, error) {
	var c SamplerConfig
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return SamplerConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return SamplerConfig{}, err
	}
	return c, nil
}
