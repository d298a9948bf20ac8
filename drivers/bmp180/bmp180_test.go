package bmp180

import (
	"context"
	"errors"
	"testing"
	"time"

	"bmp180-go/drivers/bmp180/sim"
	"bmp180-go/errcode"
)

// fakeClock drives both the driver's waits and the simulator's conversion
// timing. Sleeps advance time instantly and are recorded.
type fakeClock struct {
	t     time.Time
	slept []time.Duration

	// interrupt, when set, fires on the next Sleep: time advances by
	// partial, cancel is called and the sleep reports ctx.Err().
	interrupt func()
	partial   time.Duration
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if f := c.interrupt; f != nil {
		c.interrupt = nil
		c.t = c.t.Add(c.partial)
		f()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestDevice(t *testing.T) (*Device, *sim.Device, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	s := sim.New(sim.DatasheetCalibration)
	s.SetClock(clk.Now)
	d, err := Initialize(s, Config{Sleep: clk.Sleep, Now: clk.Now})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.ResetLog()
	return d, s, clk
}

func TestInitializeReadsCalibrationOnce(t *testing.T) {
	s := sim.New(sim.DatasheetCalibration)
	d, err := Initialize(s)
	if err != nil {
		t.Fatal(err)
	}
	log := s.Log()
	if len(log) != 1 || log[0].Op != sim.OpRead || log[0].Reg != 0xAA || log[0].N != 22 {
		t.Fatalf("unexpected transactions %+v", log)
	}
	c, ok := d.Calibration()
	if !ok || c != datasheet {
		t.Fatalf("calibration %+v ok=%v", c, ok)
	}
	if d.State() != Idle {
		t.Fatalf("state %v", d.State())
	}
}

func TestInitializeFailures(t *testing.T) {
	s := sim.New(sim.DatasheetCalibration)
	s.FailNextRead(errors.New("nack"))
	if _, err := Initialize(s); !errors.Is(err, ErrBus) {
		t.Fatalf("want ErrBus, got %v", err)
	}

	s = sim.New(sim.DatasheetCalibration)
	s.SetCalibrationWord(9, 0xFFFF)
	_, err := Initialize(s)
	if !errors.Is(err, ErrCalibration) {
		t.Fatalf("want ErrCalibration, got %v", err)
	}
	if Code(err) != errcode.CalibrationInvalid {
		t.Fatalf("Code=%q", Code(err))
	}

	if _, err := Initialize(sim.New(sim.DatasheetCalibration), Config{Oversampling: 7}); !errors.Is(err, ErrOversampling) {
		t.Fatalf("want ErrOversampling, got %v", err)
	}
}

func TestReadsBeforeCalibrationTouchNothing(t *testing.T) {
	s := sim.New(sim.DatasheetCalibration)
	d := New(s)
	ctx := context.Background()

	if _, err := d.Temperature(ctx); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("Temperature: %v", err)
	}
	if _, err := d.Pressure(ctx, Standard); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("Pressure: %v", err)
	}
	if _, err := d.ReadRawTemperature(ctx); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("ReadRawTemperature: %v", err)
	}
	if _, err := d.ReadRawPressure(ctx, UltraLowPower); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("ReadRawPressure: %v", err)
	}
	if _, err := d.Read(ctx); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("Read: %v", err)
	}
	if n := s.Count(); n != 0 {
		t.Fatalf("%d bus transactions before calibration", n)
	}
	if Code(ErrNotCalibrated) != errcode.NotCalibrated {
		t.Fatal("code mapping")
	}
}

func TestTemperatureSequence(t *testing.T) {
	d, s, clk := newTestDevice(t)

	deciC, err := d.Temperature(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if deciC != 150 || d.LastB5() != 2400 {
		t.Fatalf("T=%d B5=%d", deciC, d.LastB5())
	}
	log := s.Log()
	if len(log) != 2 ||
		log[0].Op != sim.OpWrite || log[0].Reg != 0xF4 || log[0].Val != 0x2E ||
		log[1].Op != sim.OpRead || log[1].Reg != 0xF6 || log[1].N != 2 {
		t.Fatalf("unexpected transactions %+v", log)
	}
	if len(clk.slept) != 1 || clk.slept[0] != 4500*time.Microsecond {
		t.Fatalf("slept %v", clk.slept)
	}
	if d.State() != Compensated {
		t.Fatalf("state %v", d.State())
	}
}

func TestPressureDatasheet(t *testing.T) {
	d, s, _ := newTestDevice(t)

	p, err := d.Pressure(context.Background(), UltraLowPower)
	if err != nil {
		t.Fatal(err)
	}
	if p != 69964 {
		t.Fatalf("p=%d want 69964", p)
	}
	// Fresh temperature first, then pressure.
	if w := s.Writes(0xF4); len(w) != 2 || w[0] != 0x2E || w[1] != 0x34 {
		t.Fatalf("control writes % x", w)
	}
}

func TestReadUsesConfiguredOversampling(t *testing.T) {
	d, s, _ := newTestDevice(t)
	if err := d.SetOversampling(HighResolution); err != nil {
		t.Fatal(err)
	}
	s.SetRaw(sim.DatasheetUT, 23843<<2)

	smp, err := d.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if smp.DeciCelsius != 150 || smp.Pascals != 69963 || smp.Oversampling != HighResolution {
		t.Fatalf("sample %+v", smp)
	}
	if w := s.Writes(0xF4); w[len(w)-1] != 0xB4 {
		t.Fatalf("pressure command %#x", w[len(w)-1])
	}
	if err := d.SetOversampling(4); !errors.Is(err, ErrOversampling) {
		t.Fatalf("SetOversampling(4): %v", err)
	}
}

func TestRawPressureDelaysIncrease(t *testing.T) {
	d, s, clk := newTestDevice(t)
	var prev time.Duration
	for oss := UltraLowPower; oss <= UltraHighResolution; oss++ {
		clk.slept = nil
		s.SetRaw(sim.DatasheetUT, 23843<<oss)
		up, err := d.ReadRawPressure(context.Background(), oss)
		if err != nil {
			t.Fatalf("oss=%d: %v", oss, err)
		}
		if up != 23843<<oss {
			t.Fatalf("oss=%d: UP=%d", oss, up)
		}
		if len(clk.slept) != 1 {
			t.Fatalf("oss=%d: slept %v", oss, clk.slept)
		}
		if clk.slept[0] <= prev {
			t.Fatalf("oss=%d: delay %v not above %v", oss, clk.slept[0], prev)
		}
		prev = clk.slept[0]
		w := s.Writes(0xF4)
		if got := w[len(w)-1]; got != 0x34|byte(oss)<<6 {
			t.Fatalf("oss=%d: command %#x", oss, got)
		}
	}
	if prev != 25500*time.Microsecond {
		t.Fatalf("oss 3 delay %v", prev)
	}
	if _, err := d.ReadRawPressure(context.Background(), 4); !errors.Is(err, ErrOversampling) {
		t.Fatalf("oss 4: %v", err)
	}
}

func TestBusErrorOnTriggerAllowsRetry(t *testing.T) {
	d, s, _ := newTestDevice(t)
	s.FailNextWrite(errors.New("arbitration lost"))

	_, err := d.Temperature(context.Background())
	var be *BusError
	if !errors.As(err, &be) || be.Op != "write" || be.Reg != 0xF4 {
		t.Fatalf("want write BusError, got %v", err)
	}
	if Code(err) != errcode.BusError {
		t.Fatalf("Code=%q", Code(err))
	}
	if d.State() != Idle {
		t.Fatalf("state %v", d.State())
	}

	deciC, err := d.Temperature(context.Background())
	if err != nil || deciC != 150 {
		t.Fatalf("retry: T=%d err=%v", deciC, err)
	}
	if w := s.Writes(0xF4); len(w) != 2 {
		t.Fatalf("retry should trigger again, writes % x", w)
	}
}

func TestBusErrorOnFetchRestartsConversion(t *testing.T) {
	d, s, _ := newTestDevice(t)
	s.FailNextRead(errors.New("timeout"))

	if _, err := d.ReadRawTemperature(context.Background()); !errors.Is(err, ErrBus) {
		t.Fatalf("want ErrBus, got %v", err)
	}
	if d.State() != Idle {
		t.Fatalf("state %v", d.State())
	}
	ut, err := d.ReadRawTemperature(context.Background())
	if err != nil || ut != sim.DatasheetUT {
		t.Fatalf("retry: UT=%d err=%v", ut, err)
	}
	if w := s.Writes(0xF4); len(w) != 2 {
		t.Fatalf("expected a fresh trigger, writes % x", w)
	}
}

func TestCancelledWaitResumesSameConversion(t *testing.T) {
	d, s, clk := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	clk.interrupt, clk.partial = cancel, time.Millisecond

	_, err := d.ReadRawTemperature(ctx)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("want cancelled, got %v", err)
	}
	if d.State() != Waiting {
		t.Fatalf("state %v", d.State())
	}
	for _, tx := range s.Log() {
		if tx.Op == sim.OpRead {
			t.Fatal("cancelled read must not fetch")
		}
	}

	ut, err := d.ReadRawTemperature(context.Background())
	if err != nil || ut != sim.DatasheetUT {
		t.Fatalf("resume: UT=%d err=%v", ut, err)
	}
	if w := s.Writes(0xF4); len(w) != 1 {
		t.Fatalf("resume must not re-trigger, writes % x", w)
	}
	if len(clk.slept) != 1 || clk.slept[0] != 3500*time.Microsecond {
		t.Fatalf("resume should wait the remainder, slept %v", clk.slept)
	}
}

func TestCancelledWaitElapsedSkipsSleep(t *testing.T) {
	d, s, clk := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	clk.interrupt, clk.partial = cancel, time.Millisecond

	if _, err := d.ReadRawPressure(ctx, Standard); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want cancelled, got %v", err)
	}
	clk.t = clk.t.Add(time.Second)

	up, err := d.ReadRawPressure(context.Background(), Standard)
	if err != nil || up != sim.DatasheetUP {
		t.Fatalf("resume: UP=%d err=%v", up, err)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("no wait expected, slept %v", clk.slept)
	}
	if w := s.Writes(0xF4); len(w) != 1 {
		t.Fatalf("writes % x", w)
	}
}

func TestCancelledWaitDifferentConversionRestarts(t *testing.T) {
	d, s, clk := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	clk.interrupt, clk.partial = cancel, time.Millisecond

	if _, err := d.ReadRawPressure(ctx, UltraHighResolution); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want cancelled, got %v", err)
	}

	// Different oversampling: fresh trigger and full wait.
	up, err := d.ReadRawPressure(context.Background(), UltraLowPower)
	if err != nil || up != sim.DatasheetUP {
		t.Fatalf("restart: UP=%d err=%v", up, err)
	}
	if w := s.Writes(0xF4); len(w) != 2 || w[0] != 0xF4 || w[1] != 0x34 {
		t.Fatalf("writes % x", w)
	}
	if len(clk.slept) != 1 || clk.slept[0] != 4500*time.Microsecond {
		t.Fatalf("slept %v", clk.slept)
	}
}

func TestCancelledBeforeTrigger(t *testing.T) {
	d, s, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Temperature(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("want cancelled, got %v", err)
	}
	if s.Count() != 0 || d.State() != Idle {
		t.Fatalf("count=%d state=%v", s.Count(), d.State())
	}
}

func TestConnectedAndReset(t *testing.T) {
	d, s, clk := newTestDevice(t)
	if !d.Connected() {
		t.Fatal("chip id not recognised")
	}

	ctx, cancel := context.WithCancel(context.Background())
	clk.interrupt, clk.partial = cancel, time.Millisecond
	_, _ = d.ReadRawTemperature(ctx)

	if err := d.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.State() != Idle || !d.Calibrated() {
		t.Fatalf("state %v calibrated %v", d.State(), d.Calibrated())
	}
	if w := s.Writes(0xE0); len(w) != 1 || w[0] != 0xB6 {
		t.Fatalf("reset writes % x", w)
	}
	// The aborted conversion is not resumed.
	if _, err := d.ReadRawTemperature(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w := s.Writes(0xF4); len(w) != 2 {
		t.Fatalf("writes % x", w)
	}

	s.SetAddress(0x76)
	if d.Connected() {
		t.Fatal("connected on wrong address")
	}
}

func TestReloadFailureKeepsCalibration(t *testing.T) {
	d, s, _ := newTestDevice(t)
	s.SetCalibrationWord(0, 0x0000)
	if err := d.LoadCalibration(context.Background()); !errors.Is(err, ErrCalibration) {
		t.Fatalf("want ErrCalibration, got %v", err)
	}
	c, ok := d.Calibration()
	if !ok || c != datasheet {
		t.Fatalf("calibration lost: %+v ok=%v", c, ok)
	}
	if deciC, err := d.Temperature(context.Background()); err != nil || deciC != 150 {
		t.Fatalf("T=%d err=%v", deciC, err)
	}
}

func TestReadFailuresThenReconnectAndReload(t *testing.T) {
	d, s, _ := newTestDevice(t)
	ctx := context.Background()

	// Unplugged: reads fail as bus errors, never as calibration errors.
	s.SetAddress(0x76)
	for i := 0; i < 3; i++ {
		_, err := d.Read(ctx)
		if !errors.Is(err, ErrBus) || errors.Is(err, ErrCalibration) || errors.Is(err, ErrNotCalibrated) {
			t.Fatalf("read %d: %v", i, err)
		}
		if d.State() != Idle {
			t.Fatalf("read %d left state %v", i, d.State())
		}
	}
	if d.Connected() {
		t.Fatal("connected while unplugged")
	}

	// A different part is plugged in at the usual address.
	s.SetAddress(sim.DefaultAddress)
	s.SetCalibrationWord(0, 409)
	if !d.Connected() {
		t.Fatal("not connected after replug")
	}
	if err := d.LoadCalibration(ctx); err != nil {
		t.Fatal(err)
	}
	if c, _ := d.Calibration(); c.AC1 != 409 {
		t.Fatalf("AC1=%d after reload", c.AC1)
	}
	if _, err := d.Read(ctx); err != nil {
		t.Fatalf("read after reload: %v", err)
	}
}

func TestAddressOverride(t *testing.T) {
	s := sim.New(sim.DatasheetCalibration)
	s.SetAddress(0x76)
	d, err := Initialize(s, Config{Address: 0x76})
	if err != nil {
		t.Fatal(err)
	}
	if d.Address != 0x76 {
		t.Fatalf("Address=%#x", d.Address)
	}
}

func TestSampleConversions(t *testing.T) {
	s := Sample{DeciCelsius: 150, Pascals: 101325}
	if s.Celsius() != 15 || s.Hectopascals() != 1013.25 {
		t.Fatalf("%v %v", s.Celsius(), s.Hectopascals())
	}
	if a := s.Altitude(0); a != 0 {
		t.Fatalf("altitude at sea level %v", a)
	}
	s.Pascals = 69964
	a := s.Altitude(SeaLevelPa)
	if a < 3000 || a > 3030 {
		t.Fatalf("altitude %v", a)
	}
	if p0 := s.SeaLevelPressure(a); p0 < 101320 || p0 > 101330 {
		t.Fatalf("sea-level pressure %d", p0)
	}
}
