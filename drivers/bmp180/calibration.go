package bmp180

import "encoding/binary"

// Coefficients are the factory calibration constants from the sensor EEPROM,
// in register order. AC4..AC6 are unsigned per the datasheet.
type Coefficients struct {
	AC1 int16
	AC2 int16
	AC3 int16
	AC4 uint16
	AC5 uint16
	AC6 uint16
	B1  int16
	B2  int16
	MB  int16
	MC  int16
	MD  int16
}

// CoefficientNames lists the coefficients in EEPROM order.
var CoefficientNames = [11]string{"AC1", "AC2", "AC3", "AC4", "AC5", "AC6", "B1", "B2", "MB", "MC", "MD"}

// ParseCoefficients decodes the 22-byte calibration block starting at 0xAA.
// Each word is big-endian. A word of 0x0000 or 0xFFFF means the EEPROM was
// not read (dead part or floating bus) and is rejected.
func ParseCoefficients(b []byte) (Coefficients, error) {
	if len(b) < calibrationLen {
		return Coefficients{}, &CalibrationError{N: len(b)}
	}
	var w [11]uint16
	for i := range w {
		w[i] = binary.BigEndian.Uint16(b[2*i:])
		if w[i] == 0x0000 || w[i] == 0xFFFF {
			return Coefficients{}, &CalibrationError{Coefficient: CoefficientNames[i], Word: w[i]}
		}
	}
	return Coefficients{
		AC1: int16(w[0]),
		AC2: int16(w[1]),
		AC3: int16(w[2]),
		AC4: w[3],
		AC5: w[4],
		AC6: w[5],
		B1:  int16(w[6]),
		B2:  int16(w[7]),
		MB:  int16(w[8]),
		MC:  int16(w[9]),
		MD:  int16(w[10]),
	}, nil
}

// Words returns the raw 16-bit words in EEPROM order.
func (c Coefficients) Words() [11]uint16 {
	return [11]uint16{
		uint16(c.AC1), uint16(c.AC2), uint16(c.AC3),
		c.AC4, c.AC5, c.AC6,
		uint16(c.B1), uint16(c.B2), uint16(c.MB), uint16(c.MC), uint16(c.MD),
	}
}

// Bytes encodes c back into the 22-byte EEPROM layout.
func (c Coefficients) Bytes() [calibrationLen]byte {
	var out [calibrationLen]byte
	for i, w := range c.Words() {
		binary.BigEndian.PutUint16(out[2*i:], w)
	}
	return out
}

// tempTerms holds the temperature inputs promoted to int32. They only
// depend on calibration, so the driver derives them once per load.
type tempTerms struct {
	ac5  int32
	ac6  int32
	mc11 int32 // MC << 11
	md   int32
}

func (c Coefficients) tempTerms() tempTerms {
	return tempTerms{
		ac5:  int32(c.AC5),
		ac6:  int32(c.AC6),
		mc11: int32(c.MC) << 11,
		md:   int32(c.MD),
	}
}
