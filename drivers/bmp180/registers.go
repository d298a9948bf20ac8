package bmp180

import "time"

// I2C address (fixed by the part).
const Address = 0x77

// Register map.
const (
	regCalibration = 0xAA // AC1 MSB; 22 bytes through 0xBF
	regChipID      = 0xD0
	regSoftReset   = 0xE0
	regControl     = 0xF4
	regOutMSB      = 0xF6
	regOutLSB      = 0xF7
	regOutXLSB     = 0xF8
)

// Values written to or read from the registers above.
const (
	ChipID = 0x55

	cmdSoftReset   = 0xB6
	cmdTemperature = 0x2E
	cmdPressure    = 0x34 // OR'd with oss<<6

	calibrationLen = 22
)

// Conversion times, datasheet maximums.
const (
	tempConversion = 4500 * time.Microsecond
	resetSettle    = 10 * time.Millisecond
)

var pressConversion = [4]time.Duration{
	4500 * time.Microsecond,
	7500 * time.Microsecond,
	13500 * time.Microsecond,
	25500 * time.Microsecond,
}

// Oversampling selects the pressure resolution and conversion time.
type Oversampling uint8

const (
	UltraLowPower Oversampling = iota // 1 sample, 4.5 ms
	Standard                          // 2 samples, 7.5 ms
	HighResolution                    // 4 samples, 13.5 ms
	UltraHighResolution               // 8 samples, 25.5 ms
)

// Valid reports whether o is one of the four hardware settings.
func (o Oversampling) Valid() bool { return o <= UltraHighResolution }

// ConversionTime is the wait required after triggering a pressure
// conversion at o. Invalid settings report zero.
func (o Oversampling) ConversionTime() time.Duration {
	if !o.Valid() {
		return 0
	}
	return pressConversion[o]
}

func (o Oversampling) command() byte { return cmdPressure | byte(o)<<6 }

func (o Oversampling) String() string {
	switch o {
	case UltraLowPower:
		return "ultra_low_power"
	case Standard:
		return "standard"
	case HighResolution:
		return "high_resolution"
	case UltraHighResolution:
		return "ultra_high_resolution"
	default:
		return "invalid"
	}
}
