package platform

import (
	"io"
	"sync"
	"time"

	"bmp180-go/drivers/bmp180/sim"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

// Transport names accepted by Open.
const (
	TransportPeriph = "periph"
	TransportEmbd   = "embd"
	TransportSim    = "sim"
)

// Bus is an opened transport behind an Owner.
type Bus interface {
	drivers.I2C
	io.Closer
	Name() string
}

// Options tune Open. Zero values pick defaults.
type Options struct {
	// SpeedHz sets the bus clock where the transport supports it.
	SpeedHz int64
	// Timeout bounds each transaction on the owner. Defaults to 100ms.
	Timeout time.Duration
}

type ownedBus struct {
	*Owner
	raw io.Closer
}

func (b *ownedBus) Close() error {
	b.Owner.Close()
	if b.raw == nil {
		return nil
	}
	return b.raw.Close()
}

// Open opens bus name on transport and serialises it behind an Owner.
// The sim transport returns a simulated BMP180 loaded with the datasheet
// calibration; name is ignored.
func Open(transport, name string, opt Options) (Bus, error) {
	if opt.Timeout == 0 {
		opt.Timeout = 100 * time.Millisecond
	}
	var (
		hw  drivers.I2C
		raw io.Closer
	)
	switch transport {
	case TransportPeriph:
		b, err := openPeriph(name, physic.Frequency(opt.SpeedHz)*physic.Hertz)
		if err != nil {
			return nil, err
		}
		hw, raw = b, b
	case TransportEmbd:
		b, err := openEmbd(name)
		if err != nil {
			return nil, xerrors.Errorf("open embd bus %q: %w", name, err)
		}
		hw, raw = b, b
	case TransportSim:
		hw = sim.New(sim.DatasheetCalibration)
	default:
		return nil, xerrors.Errorf("unknown transport %q", transport)
	}
	return &ownedBus{Owner: NewOwner(transport+":"+name, hw, opt.Timeout), raw: raw}, nil
}

// Buses opens buses by name on first use. Failed opens are logged and
// retried on the next lookup.
type Buses struct {
	transport string
	opt       Options
	log       logrus.FieldLogger

	mu   sync.Mutex
	open map[string]Bus
}

func NewBuses(transport string, opt Options, log logrus.FieldLogger) *Buses {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Buses{transport: transport, opt: opt, log: log, open: map[string]Bus{}}
}

func (b *Buses) ByID(name string) (drivers.I2C, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus, ok := b.open[name]; ok {
		return bus, true
	}
	bus, err := Open(b.transport, name, b.opt)
	if err != nil {
		b.log.WithFields(logrus.Fields{"transport": b.transport, "bus": name}).WithError(err).Error("open bus")
		return nil, false
	}
	b.log.WithFields(logrus.Fields{"transport": b.transport, "bus": name}).Debug("bus opened")
	b.open[name] = bus
	return bus, true
}

// Close closes every opened bus and returns the first error.
func (b *Buses) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, bus := range b.open {
		if err := bus.Close(); err != nil && first == nil {
			first = xerrors.Errorf("close bus %q: %w", name, err)
		}
		delete(b.open, name)
	}
	return first
}
