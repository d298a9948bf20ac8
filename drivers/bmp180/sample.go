package bmp180

import "math"

// SeaLevelPa is standard atmospheric pressure at sea level.
const SeaLevelPa = 101325

// Sample is one temperature and pressure pair.
type Sample struct {
	DeciCelsius  int32 // tenths of °C
	Pascals      int32
	Oversampling Oversampling
}

// Celsius returns °C (float). Prefer DeciCelsius for fixed-point.
func (s Sample) Celsius() float32 { return float32(s.DeciCelsius) / 10 }

// Hectopascals returns hPa (mbar).
func (s Sample) Hectopascals() float32 { return float32(s.Pascals) / 100 }

// Altitude returns metres above the level where pressure is seaLevelPa,
// using the international barometric formula. seaLevelPa <= 0 selects
// SeaLevelPa.
func (s Sample) Altitude(seaLevelPa int32) float64 {
	if seaLevelPa <= 0 {
		seaLevelPa = SeaLevelPa
	}
	return 44330 * (1 - math.Pow(float64(s.Pascals)/float64(seaLevelPa), 1/5.255))
}

// SeaLevelPressure returns the sea-level equivalent in Pa of this reading
// taken at altitude metres.
func (s Sample) SeaLevelPressure(altitude float64) int32 {
	return int32(math.Round(float64(s.Pascals) / math.Pow(1-altitude/44330, 5.255)))
}
