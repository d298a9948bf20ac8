package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: profile name
// Val: raw JSON sampler config
// -----------------------------------------------------------------------------

// One simulated sensor, handy for bench runs without hardware.
const cfgSim = `{
  "devices": [
    {"id": "sim0", "bus": "sim", "oversampling": 0, "period_ms": 1000}
  ]
}`

// Raspberry Pi header bus, ultra-high resolution every 5s.
const cfgRPi = `{
  "devices": [
    {"id": "baro0", "bus": "1", "addr": 119, "oversampling": 3, "period_ms": 5000, "sea_level_pa": 101325}
  ]
}`

var embeddedConfigs = map[string][]byte{
	"sim": []byte(cfgSim),
	"rpi": []byte(cfgRPi),
}
