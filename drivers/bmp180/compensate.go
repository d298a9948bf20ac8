package bmp180

// Integer compensation from the BMP180 datasheet (section 3.5).
//
// All intermediates are int32 with arithmetic right shifts; B4 and B7 are
// uint32. Divisions truncate toward zero. This matches the vendor reference
// on a 32-bit long target bit for bit, including wraparound.

// CompensateTemperature converts a raw temperature count into tenths of a
// degree Celsius. It also returns B5, the intermediate that pressure
// compensation needs.
func (c Coefficients) CompensateTemperature(ut int32) (deciC, b5 int32, err error) {
	return c.tempTerms().compensate(ut)
}

func (t tempTerms) compensate(ut int32) (deciC, b5 int32, err error) {
	x1 := ((ut - t.ac6) * t.ac5) >> 15
	den := x1 + t.md
	if den == 0 {
		return 0, 0, ErrCompensation
	}
	x2 := t.mc11 / den
	b5 = x1 + x2
	return (b5 + 8) >> 4, b5, nil
}

// CompensatePressure converts a raw pressure count taken at oss into Pa,
// using B5 from a temperature compensation.
func (c Coefficients) CompensatePressure(up int32, oss Oversampling, b5 int32) (int32, error) {
	if !oss.Valid() {
		return 0, ErrOversampling
	}
	var (
		ac1 = int32(c.AC1)
		ac2 = int32(c.AC2)
		ac3 = int32(c.AC3)
		ac4 = uint32(c.AC4)
		b1  = int32(c.B1)
		b2  = int32(c.B2)
	)

	b6 := b5 - 4000
	x1 := (b2 * ((b6 * b6) >> 12)) >> 11
	x2 := (ac2 * b6) >> 11
	x3 := x1 + x2
	b3 := (((ac1*4 + x3) << oss) + 2) / 4

	x1 = (ac3 * b6) >> 13
	x2 = (b1 * ((b6 * b6) >> 12)) >> 16
	x3 = ((x1 + x2) + 2) >> 2
	b4 := (ac4 * uint32(x3+32768)) >> 15
	if b4 == 0 {
		return 0, ErrCompensation
	}
	b7 := (uint32(up) - uint32(b3)) * (uint32(50000) >> oss)

	var p int32
	if b7 < 0x80000000 {
		p = int32((b7 * 2) / b4)
	} else {
		p = int32((b7 / b4) * 2)
	}

	x1 = (p >> 8) * (p >> 8)
	x1 = (x1 * 3038) >> 16
	x2 = (-7357 * p) >> 16
	return p + ((x1 + x2 + 3791) >> 4), nil
}
