package platform

import (
	"golang.org/x/xerrors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// openPeriph opens a bus through periph.io. name follows i2creg: "" picks
// the first bus, otherwise a number or a path alias like "/dev/i2c-1".
// periph's i2c.Bus already has the drivers.I2C Tx signature.
func openPeriph(name string, speed physic.Frequency) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, xerrors.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, xerrors.Errorf("open i2c bus %q: %w", name, err)
	}
	if speed > 0 {
		if err := b.SetSpeed(speed); err != nil {
			b.Close()
			return nil, xerrors.Errorf("set bus %q speed %s: %w", name, speed, err)
		}
	}
	return b, nil
}

// PeriphBuses lists the I2C buses periph can see.
func PeriphBuses() ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, xerrors.Errorf("periph host init: %w", err)
	}
	var out []string
	for _, ref := range i2creg.All() {
		out = append(out, ref.Name)
	}
	return out, nil
}
