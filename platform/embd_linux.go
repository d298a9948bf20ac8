//go:build linux

package platform

import (
	"strconv"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/all"
	"golang.org/x/xerrors"
)

// embdBus adapts embd's register-oriented I2C bus to drivers.I2C. Only the
// two transaction shapes the drivers use are supported: a register write
// (w = {reg, v...}, no read) and a register read (w = {reg}).
type embdBus struct {
	b embd.I2CBus
}

func (e *embdBus) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return xerrors.Errorf("embd: address %#x is not 7-bit", addr)
	}
	a := byte(addr)
	switch {
	case len(w) == 0 && len(r) > 0:
		v, err := e.b.ReadBytes(a, len(r))
		if err != nil {
			return err
		}
		copy(r, v)
		return nil
	case len(w) == 1 && len(r) > 0:
		return e.b.ReadFromReg(a, w[0], r)
	case len(w) == 2 && len(r) == 0:
		return e.b.WriteByteToReg(a, w[0], w[1])
	case len(w) > 2 && len(r) == 0:
		return e.b.WriteToReg(a, w[0], w[1:])
	default:
		return xerrors.Errorf("embd: unsupported transaction w=%d r=%d", len(w), len(r))
	}
}

func (e *embdBus) Close() error { return e.b.Close() }

// openEmbd opens /dev/i2c-<name> through embd. name must be a bus number.
func openEmbd(name string) (*embdBus, error) {
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return nil, xerrors.Errorf("embd bus %q must be a number: %w", name, err)
	}
	if err := embd.InitI2C(); err != nil {
		return nil, xerrors.Errorf("embd init: %w", err)
	}
	return &embdBus{b: embd.NewI2CBus(byte(n))}, nil
}
