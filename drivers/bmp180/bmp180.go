// Package bmp180 provides a driver for the Bosch BMP180 barometric pressure
// and temperature sensor.
//
//	d, err := bmp180.Initialize(bus)      // reads calibration once
//	t, err := d.Temperature(ctx)          // tenths of °C
//	p, err := d.Pressure(ctx, bmp180.Standard) // Pa
//
// Every reading runs trigger → wait → fetch on the bus. The wait honours
// ctx; a cancelled wait leaves the conversion pending and the next read of
// the same kind resumes it instead of triggering again (see State).
//
// Pressure always takes a fresh temperature conversion first and uses its
// B5; the result is kept and available from LastB5.
//
// A Device is not safe for concurrent use. Sharing one physical bus between
// devices is the bus implementation's job (see platform.Owner).
package bmp180

import (
	"context"
	"time"

	"bmp180-go/x/timex"

	"tinygo.org/x/drivers"
)

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x77 if zero.
	Address uint16
	// Oversampling is the default used by Read. Defaults to UltraLowPower.
	Oversampling Oversampling
	// Sleep waits for a conversion. It must return ctx.Err() if ctx ends
	// first. Defaults to timex.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock used to track pending conversions. Defaults to time.Now.
	Now func() time.Time
}

// State is the position of the conversion state machine.
type State uint8

const (
	Idle State = iota
	ConversionTriggered
	Waiting
	RawReady
	Compensated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConversionTriggered:
		return "conversion_triggered"
	case Waiting:
		return "waiting"
	case RawReady:
		return "raw_ready"
	case Compensated:
		return "compensated"
	default:
		return "unknown"
	}
}

type convKind uint8

const (
	convTemperature convKind = iota + 1
	convPressure
)

// pending describes the conversion the sensor is (or was) running.
type pending struct {
	kind    convKind
	oss     Oversampling
	readyAt time.Time
}

// Device wraps an I2C connection to a BMP180.
type Device struct {
	bus     drivers.I2C
	Address uint16

	cfg Config

	cal        Coefficients
	tt         tempTerms
	calibrated bool

	state  State
	conv   pending
	lastB5 int32

	w   [2]byte
	buf [calibrationLen]byte
}

// New creates a BMP180 handle on an already configured bus. It does not
// touch the device; call Configure to load calibration.
func New(bus drivers.I2C) Device {
	return Device{
		bus:     bus,
		Address: Address,
	}
}

// Initialize creates a device and loads its calibration.
func Initialize(bus drivers.I2C, cfgs ...Config) (*Device, error) {
	d := New(bus)
	if err := d.Configure(cfgs...); err != nil {
		return nil, err
	}
	return &d, nil
}

// Configure applies cfg and reads the calibration block. It may be called
// again to change settings; calibration is re-read each time.
func (d *Device) Configure(cfgs ...Config) error {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	if c.Address != 0 {
		d.Address = c.Address
	}
	c.Address = d.Address
	if !c.Oversampling.Valid() {
		return ErrOversampling
	}
	if c.Sleep == nil {
		c.Sleep = timex.Sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	d.cfg = c
	return d.LoadCalibration(context.Background())
}

// LoadCalibration reads and validates the 22-byte calibration block in one
// transaction. On failure any previously loaded calibration is kept.
func (d *Device) LoadCalibration(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	d.w[0] = regCalibration
	if err := d.bus.Tx(d.Address, d.w[:1], d.buf[:calibrationLen]); err != nil {
		return &BusError{Op: "read", Reg: regCalibration, Err: err}
	}
	c, err := ParseCoefficients(d.buf[:calibrationLen])
	if err != nil {
		return err
	}
	d.cal = c
	d.tt = c.tempTerms()
	d.calibrated = true
	return nil
}

// Calibration returns the loaded coefficients and whether a load succeeded.
func (d *Device) Calibration() (Coefficients, bool) { return d.cal, d.calibrated }

// Calibrated reports whether LoadCalibration has succeeded.
func (d *Device) Calibrated() bool { return d.calibrated }

// State reports the conversion state machine position.
func (d *Device) State() State { return d.state }

// LastB5 returns the temperature intermediate from the most recent
// successful temperature compensation.
func (d *Device) LastB5() int32 { return d.lastB5 }

// Oversampling returns the default used by Read.
func (d *Device) Oversampling() Oversampling { return d.cfg.Oversampling }

// SetOversampling changes the default used by Read.
func (d *Device) SetOversampling(oss Oversampling) error {
	if !oss.Valid() {
		return ErrOversampling
	}
	d.cfg.Oversampling = oss
	return nil
}

// Connected reads the chip-id register and reports whether it matches.
func (d *Device) Connected() bool {
	var id [1]byte
	d.w[0] = regChipID
	if err := d.bus.Tx(d.Address, d.w[:1], id[:]); err != nil {
		return false
	}
	return id[0] == ChipID
}

// Reset issues a soft reset and waits for the part to restart. Any pending
// conversion is discarded; calibration stays loaded.
func (d *Device) Reset(ctx context.Context) error {
	d.state = Idle
	d.conv = pending{}
	if err := d.writeReg(regSoftReset, cmdSoftReset); err != nil {
		return err
	}
	if err := d.sleep(ctx, resetSettle); err != nil {
		return cancelled(err)
	}
	return nil
}

// ReadRawTemperature runs a temperature conversion and returns UT.
func (d *Device) ReadRawTemperature(ctx context.Context) (uint16, error) {
	if err := d.acquire(ctx, convTemperature, 0); err != nil {
		return 0, err
	}
	return d.fetchTemperature()
}

// ReadRawPressure runs a pressure conversion at oss and returns UP.
func (d *Device) ReadRawPressure(ctx context.Context, oss Oversampling) (uint32, error) {
	if !oss.Valid() {
		return 0, ErrOversampling
	}
	if err := d.acquire(ctx, convPressure, oss); err != nil {
		return 0, err
	}
	return d.fetchPressure(oss)
}

// Temperature returns the compensated temperature in tenths of °C.
func (d *Device) Temperature(ctx context.Context) (int32, error) {
	t, _, err := d.temperature(ctx)
	return t, err
}

// Pressure returns the compensated pressure in Pa. It takes a temperature
// reading first to obtain a current B5.
func (d *Device) Pressure(ctx context.Context, oss Oversampling) (int32, error) {
	s, err := d.sample(ctx, oss)
	return s.Pascals, err
}

// Read takes a temperature and pressure pair at the configured oversampling.
func (d *Device) Read(ctx context.Context) (Sample, error) {
	return d.sample(ctx, d.cfg.Oversampling)
}

func (d *Device) sample(ctx context.Context, oss Oversampling) (Sample, error) {
	if !oss.Valid() {
		return Sample{}, ErrOversampling
	}
	t, b5, err := d.temperature(ctx)
	if err != nil {
		return Sample{}, err
	}
	up, err := d.ReadRawPressure(ctx, oss)
	if err != nil {
		return Sample{}, err
	}
	p, err := d.cal.CompensatePressure(int32(up), oss, b5)
	if err != nil {
		d.state = Idle
		return Sample{}, err
	}
	d.state = Compensated
	return Sample{DeciCelsius: t, Pascals: p, Oversampling: oss}, nil
}

func (d *Device) temperature(ctx context.Context) (deciC, b5 int32, err error) {
	ut, err := d.ReadRawTemperature(ctx)
	if err != nil {
		return 0, 0, err
	}
	deciC, b5, err = d.tt.compensate(int32(ut))
	if err != nil {
		d.state = Idle
		return 0, 0, err
	}
	d.lastB5 = b5
	d.state = Compensated
	return deciC, b5, nil
}

// acquire moves the state machine to RawReady for the requested conversion.
// A conversion left Waiting by a cancelled call is resumed when it matches;
// anything else starts a new conversion.
func (d *Device) acquire(ctx context.Context, kind convKind, oss Oversampling) error {
	if !d.calibrated {
		return ErrNotCalibrated
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	resume := d.state == Waiting && d.conv.kind == kind && d.conv.oss == oss
	if !resume {
		cmd, wait := byte(cmdTemperature), tempConversion
		if kind == convPressure {
			cmd, wait = oss.command(), oss.ConversionTime()
		}
		if err := d.writeReg(regControl, cmd); err != nil {
			d.state = Idle
			d.conv = pending{}
			return err
		}
		d.state = ConversionTriggered
		d.conv = pending{kind: kind, oss: oss, readyAt: d.now().Add(wait)}
	}

	d.state = Waiting
	if remaining := d.conv.readyAt.Sub(d.now()); remaining > 0 {
		if err := d.sleep(ctx, remaining); err != nil {
			return cancelled(err)
		}
	}
	return nil
}

func (d *Device) fetchTemperature() (uint16, error) {
	d.w[0] = regOutMSB
	if err := d.bus.Tx(d.Address, d.w[:1], d.buf[:2]); err != nil {
		return 0, d.fetchFailed(err)
	}
	d.state = RawReady
	d.conv = pending{}
	return uint16(d.buf[0])<<8 | uint16(d.buf[1]), nil
}

func (d *Device) fetchPressure(oss Oversampling) (uint32, error) {
	d.w[0] = regOutMSB
	if err := d.bus.Tx(d.Address, d.w[:1], d.buf[:3]); err != nil {
		return 0, d.fetchFailed(err)
	}
	d.state = RawReady
	d.conv = pending{}
	raw := uint32(d.buf[0])<<16 | uint32(d.buf[1])<<8 | uint32(d.buf[2])
	return raw >> (8 - oss), nil
}

// fetchFailed drops the pending conversion so the next call re-triggers.
func (d *Device) fetchFailed(err error) error {
	d.state = Idle
	d.conv = pending{}
	return &BusError{Op: "read", Reg: regOutMSB, Err: err}
}

func (d *Device) writeReg(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	if err := d.bus.Tx(d.Address, d.w[:2], nil); err != nil {
		return &BusError{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

func (d *Device) sleep(ctx context.Context, dur time.Duration) error {
	if d.cfg.Sleep == nil {
		return timex.Sleep(ctx, dur)
	}
	return d.cfg.Sleep(ctx, dur)
}

func (d *Device) now() time.Time {
	if d.cfg.Now == nil {
		return time.Now()
	}
	return d.cfg.Now()
}
