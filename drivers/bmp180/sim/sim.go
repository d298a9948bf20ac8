// Package sim emulates a BMP180 register file behind the drivers.I2C
// interface. It serves host-side tests and the CLI's "sim" transport.
//
// Conversions complete after the datasheet time on the configured clock;
// reading the output registers earlier returns the previous result, as the
// real part does.
package sim

import (
	"errors"
	"sync"
	"time"
)

// Address the simulator answers on unless changed.
const DefaultAddress = 0x77

// ErrNack is returned for transactions to any other address.
var ErrNack = errors.New("sim: address nack")

// DatasheetCalibration is the example EEPROM from the BMP180 datasheet:
// AC1=408 AC2=-72 AC3=-14383 AC4=32741 AC5=32757 AC6=23153 B1=6190 B2=4
// MB=-32768 MC=-8711 MD=2868.
var DatasheetCalibration = [22]byte{
	0x01, 0x98, 0xFF, 0xB8, 0xC7, 0xD1, 0x7F, 0xE5, 0x7F, 0xF5, 0x5A, 0x71,
	0x18, 0x2E, 0x00, 0x04, 0x80, 0x00, 0xDD, 0xF9, 0x0B, 0x34,
}

// Datasheet raw counts matching DatasheetCalibration.
const (
	DatasheetUT = 27898
	DatasheetUP = 23843 // at oss 0
)

// Op is the direction of a recorded transaction.
type Op uint8

const (
	OpWrite Op = iota + 1
	OpRead
)

// Tx records one bus transaction.
type Tx struct {
	Op  Op
	Reg byte
	Val byte // written value for OpWrite
	N   int  // bytes read for OpRead
	At  time.Time
}

// Device is a simulated BMP180.
type Device struct {
	mu sync.Mutex

	addr uint16
	now  func() time.Time

	regs [256]byte

	ut uint16
	up uint32

	ctrl    byte
	readyAt time.Time
	next    [3]byte // result latched when the conversion completes

	failWrite []error
	failRead  []error

	log []Tx
}

// New returns a simulator holding cal in its EEPROM.
func New(cal [22]byte) *Device {
	d := &Device{addr: DefaultAddress, now: time.Now, ut: DatasheetUT, up: DatasheetUP}
	copy(d.regs[0xAA:], cal[:])
	d.regs[0xD0] = 0x55
	return d
}

// SetAddress changes the address the simulator answers on.
func (d *Device) SetAddress(addr uint16) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

// SetClock replaces the clock used for conversion timing.
func (d *Device) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// SetRaw sets the counts produced by the next conversions. up is the value
// the driver should recover after its (8-oss) shift.
func (d *Device) SetRaw(ut uint16, up uint32) {
	d.mu.Lock()
	d.ut, d.up = ut, up
	d.mu.Unlock()
}

// SetCalibrationWord overwrites EEPROM word i (0 = AC1).
func (d *Device) SetCalibrationWord(i int, w uint16) {
	d.mu.Lock()
	d.regs[0xAA+2*i] = byte(w >> 8)
	d.regs[0xAA+2*i+1] = byte(w)
	d.mu.Unlock()
}

// FailNextWrite makes the next register write fail with err.
func (d *Device) FailNextWrite(err error) {
	d.mu.Lock()
	d.failWrite = append(d.failWrite, err)
	d.mu.Unlock()
}

// FailNextRead makes the next register read fail with err.
func (d *Device) FailNextRead(err error) {
	d.mu.Lock()
	d.failRead = append(d.failRead, err)
	d.mu.Unlock()
}

// Log returns a copy of the recorded transactions.
func (d *Device) Log() []Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Tx(nil), d.log...)
}

// Count returns the number of recorded transactions.
func (d *Device) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log)
}

// Writes returns the recorded writes to reg.
func (d *Device) Writes(reg byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, t := range d.log {
		if t.Op == OpWrite && t.Reg == reg {
			out = append(out, t.Val)
		}
	}
	return out
}

// ResetLog clears the transaction log.
func (d *Device) ResetLog() {
	d.mu.Lock()
	d.log = nil
	d.mu.Unlock()
}

// Tx implements drivers.I2C. A write is w = {reg, value}; a read is
// w = {reg} followed by len(r) bytes from consecutive registers.
func (d *Device) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr != d.addr {
		return ErrNack
	}
	if len(w) == 0 {
		return errors.New("sim: missing register pointer")
	}
	now := d.now()
	d.latch(now)
	reg := w[0]

	if len(r) == 0 {
		if len(w) < 2 {
			return errors.New("sim: write without value")
		}
		d.log = append(d.log, Tx{Op: OpWrite, Reg: reg, Val: w[1], At: now})
		if len(d.failWrite) > 0 {
			err := d.failWrite[0]
			d.failWrite = d.failWrite[1:]
			return err
		}
		d.write(reg, w[1], now)
		return nil
	}

	d.log = append(d.log, Tx{Op: OpRead, Reg: reg, N: len(r), At: now})
	if len(d.failRead) > 0 {
		err := d.failRead[0]
		d.failRead = d.failRead[1:]
		return err
	}
	for i := range r {
		r[i] = d.regs[byte(int(reg)+i)]
	}
	return nil
}

func (d *Device) write(reg, val byte, now time.Time) {
	switch reg {
	case 0xE0:
		if val == 0xB6 {
			d.ctrl = 0
			d.readyAt = time.Time{}
			d.regs[0xF4] = 0
		}
	case 0xF4:
		d.ctrl = val
		d.regs[0xF4] = val | 0x20 // SCO set while converting
		switch {
		case val == 0x2E:
			d.next = [3]byte{byte(d.ut >> 8), byte(d.ut), 0}
			d.readyAt = now.Add(4500 * time.Microsecond)
		case val&0x3F == 0x34:
			oss := val >> 6
			v := (d.up << (8 - oss)) & 0xFFFFFF
			d.next = [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
			d.readyAt = now.Add([4]time.Duration{4500, 7500, 13500, 25500}[oss] * time.Microsecond)
		}
	default:
		d.regs[reg] = val
	}
}

// latch publishes a finished conversion to the output registers.
func (d *Device) latch(now time.Time) {
	if d.readyAt.IsZero() || now.Before(d.readyAt) {
		return
	}
	copy(d.regs[0xF6:0xF9], d.next[:])
	d.regs[0xF4] &^= 0x20
	d.readyAt = time.Time{}
}
