// Package platform connects drivers to real I2C transports and serialises
// access to a shared bus.
package platform

import (
	"sync"
	"sync/atomic"
	"time"

	"bmp180-go/errcode"
	"bmp180-go/x/timex"

	"tinygo.org/x/drivers"
)

// i2cReq holds private copies of the caller's buffers. A caller that gave
// up on a request may reuse its own slices at once.
type i2cReq struct {
	addr      uint16
	w, r      []byte
	done      chan error // buffered(1); worker replies best-effort
	abandoned atomic.Bool
}

// Owner runs every transaction of one bus on a single goroutine. Its Tx
// satisfies drivers.I2C, so several drivers can share the bus safely.
//
// With a non-zero timeout, Tx returns errcode.Busy if the request cannot be
// queued in time and errcode.Timeout if it does not complete in time. A
// timed-out transaction that has not started is skipped; one already on
// the bus finishes into the owner's buffers, never the caller's.
type Owner struct {
	name    string
	hw      drivers.I2C
	timeout time.Duration
	reqs    chan *i2cReq
	quit    chan struct{}

	once sync.Once
	wg   sync.WaitGroup
}

var _ drivers.I2C = (*Owner)(nil)

// NewOwner starts the worker for hw. timeout 0 waits indefinitely.
func NewOwner(name string, hw drivers.I2C, timeout time.Duration) *Owner {
	o := &Owner{
		name:    name,
		hw:      hw,
		timeout: timeout,
		reqs:    make(chan *i2cReq, 16),
		quit:    make(chan struct{}),
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *Owner) Name() string { return o.name }

func (o *Owner) loop() {
	defer o.wg.Done()
	for {
		select {
		case req := <-o.reqs:
			if req.abandoned.Load() {
				continue
			}
			err := o.hw.Tx(req.addr, req.w, req.r)
			select {
			case req.done <- err:
			default:
			}
		case <-o.quit:
			return
		}
	}
}

// Close stops the worker. Pending and later transactions fail with
// errcode.Unsupported.
func (o *Owner) Close() error {
	o.once.Do(func() { close(o.quit) })
	o.wg.Wait()
	return nil
}

func (o *Owner) Tx(addr uint16, w, r []byte) error {
	req := &i2cReq{addr: addr, done: make(chan error, 1)}
	if len(w) > 0 {
		req.w = append([]byte(nil), w...)
	}
	if len(r) > 0 {
		req.r = make([]byte, len(r))
	}

	var t *time.Timer
	var expired <-chan time.Time
	if o.timeout > 0 {
		t = time.NewTimer(o.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case o.reqs <- req:
	case <-expired:
		return errcode.Busy
	case <-o.quit:
		return errcode.Unsupported
	}

	if t != nil {
		timex.ResetTimer(t, o.timeout)
	}
	select {
	case err := <-req.done:
		if err == nil {
			copy(r, req.r)
		}
		return err
	case <-expired:
		req.abandoned.Store(true)
		return errcode.Timeout
	case <-o.quit:
		return errcode.Unsupported
	}
}
