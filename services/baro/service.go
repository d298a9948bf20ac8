// Package baro samples BMP180 sensors on a schedule and publishes their
// readings on the bus.
//
// Topics (id is the configured device id):
//
//	config/baro                 types.SamplerConfig (input, usually retained)
//	baro/state                  types.ServiceState (retained)
//	baro/<id>/info              types.BaroInfo (retained)
//	baro/<id>/state             types.BaroState (retained)
//	baro/<id>/value             types.BaroValue
//	baro/<id>/control/<verb>    request/reply, see Ctrl* verbs
//
// All bus work for one physical bus runs on a single Worker.
package baro

import (
	"context"
	"math"
	"time"

	"bmp180-go/bus"
	"bmp180-go/drivers/bmp180"
	"bmp180-go/errcode"
	"bmp180-go/types"
	"bmp180-go/x/mathx"
	"bmp180-go/x/timex"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// BusFactory hands out configured buses by name.
type BusFactory interface {
	ByID(id string) (drivers.I2C, bool)
}

type Options struct {
	Log     logrus.FieldLogger // defaults to the logrus standard logger
	Metrics *Metrics           // optional
	Worker  WorkerConfig
}

type devEntry struct {
	cfg    types.BaroConfig
	dev    *bmp180.Device
	oss    bmp180.Oversampling
	cal    bmp180.Coefficients
	hasCal bool

	period time.Duration
	next   time.Time

	link     types.Link
	errCode  string
	failures int
	inFlight bool // scheduled job queued or running
}

type Service struct {
	conn  *bus.Connection
	buses BusFactory
	log   logrus.FieldLogger
	mx    *Metrics
	wcfg  WorkerConfig

	workers map[string]*Worker // bus name -> worker
	results chan Result
	devices map[string]*devEntry

	timer *time.Timer
}

var (
	topicConfig  = bus.T(TokConfig, TokBaro)
	topicState   = bus.T(TokBaro, TokState)
	topicControl = bus.T(TokBaro, "+", TokControl, "+")
)

func New(conn *bus.Connection, buses BusFactory, opt Options) *Service {
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	s := &Service{
		conn:    conn,
		buses:   buses,
		log:     opt.Log,
		mx:      opt.Metrics,
		wcfg:    opt.Worker,
		workers: map[string]*Worker{},
		results: make(chan Result, 32),
		devices: map[string]*devEntry{},
	}
	onRetry := s.wcfg.OnRetry
	s.wcfg.OnRetry = func(j Job, attempt int, err error) {
		s.mx.retried(j.ID)
		s.log.WithFields(logrus.Fields{"device": j.ID, "job": j.Kind, "attempt": attempt}).
			WithError(err).Debug("retrying after bus error")
		if onRetry != nil {
			onRetry(j, attempt, err)
		}
	}
	return s
}

// Run serves until ctx ends.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	ctrlSub := s.conn.Subscribe(topicControl)
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config", nil)

	s.timer = time.NewTimer(time.Hour)
	defer s.timer.Stop()

	for {
		if next := s.earliestDue(); next.IsZero() {
			timex.ResetTimer(s.timer, time.Hour)
		} else {
			timex.ResetTimer(s.timer, time.Until(next))
		}

		select {
		case <-ctx.Done():
			for id := range s.devices {
				s.pubRet(id, TokState, types.BaroState{Link: types.LinkDown, Error: string(errcode.Cancelled), TS: timex.NowMs()})
			}
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			cfg, ok := msg.Payload.(types.SamplerConfig)
			if !ok {
				s.publishState("error", "config_wrong_type", nil)
				continue
			}
			if err := cfg.Validate(); err != nil {
				s.log.WithError(err).Warn("rejecting sampler config")
				s.publishState("error", "config_invalid", err)
				continue
			}
			s.applyConfig(ctx, cfg)
			s.publishState("ready", "configured", nil)

		case msg := <-ctrlSub.Channel():
			s.handleControl(msg)

		case <-s.timer.C:
			now := time.Now()
			for id, ent := range s.devices {
				if ent.dev == nil || now.Before(ent.next) {
					continue
				}
				ent.next = now.Add(ent.period)
				if ent.inFlight {
					continue
				}
				kind := JobMeasure
				if !ent.hasCal {
					kind = JobReload
				}
				ent.inFlight = s.submit(id, Job{Kind: kind})
			}

		case r := <-s.results:
			s.handleResult(r)
		}
	}
}

// ---- configuration ----

func (s *Service) applyConfig(ctx context.Context, cfg types.SamplerConfig) {
	seen := map[string]bool{}
	for _, dc := range cfg.Devices {
		seen[dc.ID] = true
		if ent, ok := s.devices[dc.ID]; ok {
			if ent.cfg == dc {
				continue
			}
			s.removeDevice(dc.ID)
		}
		s.addDevice(ctx, dc)
	}
	for id := range s.devices {
		if !seen[id] {
			s.removeDevice(id)
		}
	}
}

func (s *Service) addDevice(ctx context.Context, dc types.BaroConfig) {
	log := s.log.WithFields(logrus.Fields{"device": dc.ID, "bus": dc.Bus})

	ent := &devEntry{
		cfg:    dc,
		oss:    bmp180.Oversampling(dc.Oversampling),
		period: mathx.Clamp(time.Duration(dc.PeriodMs)*time.Millisecond, MinPeriod, MaxPeriod),
		next:   time.Now().Add(MinPeriod),
		link:   types.LinkDown,
	}
	s.devices[dc.ID] = ent

	b, ok := s.buses.ByID(dc.Bus)
	if !ok {
		log.Warn("unknown bus")
		ent.errCode = string(errcode.UnknownDevice)
		ent.next = time.Time{}
		s.publishInfo(dc.ID, ent)
		s.pubRet(dc.ID, TokState, types.BaroState{Link: types.LinkDown, Error: ent.errCode, TS: timex.NowMs()})
		return
	}
	if _, ok := s.workers[dc.Bus]; !ok {
		w := NewWorker(s.wcfg, s.results)
		w.Start(ctx)
		s.workers[dc.Bus] = w
	}

	// Configure applies settings even when the calibration read fails; the
	// scheduler then keeps retrying the reload on the worker.
	d := bmp180.New(b)
	ent.dev = &d
	err := d.Configure(bmp180.Config{Address: dc.Addr, Oversampling: ent.oss})
	if err != nil {
		ent.errCode = string(bmp180.Code(err))
		log.WithError(err).Warn("bmp180 not ready")
	} else {
		ent.cal, ent.hasCal = d.Calibration()
		ent.link = types.LinkUp
		log.WithField("oss", ent.oss).Info("bmp180 configured")
	}
	s.publishInfo(dc.ID, ent)
	s.pubRet(dc.ID, TokState, types.BaroState{Link: ent.link, Error: ent.errCode, TS: timex.NowMs()})
}

func (s *Service) removeDevice(id string) {
	s.pubRet(id, TokInfo, nil)
	s.pubRet(id, TokState, types.BaroState{Link: types.LinkDown, TS: timex.NowMs()})
	s.mx.forget(id)
	delete(s.devices, id)
	s.log.WithField("device", id).Info("device removed")
}

// ---- control plane ----

func (s *Service) handleControl(msg *bus.Message) {
	if len(msg.Topic) != 4 {
		return
	}
	id, _ := msg.Topic[1].Str()
	method, _ := msg.Topic[3].Str()
	ent, ok := s.devices[id]
	if !ok || ent.dev == nil {
		s.replyErr(msg, errcode.UnknownDevice)
		return
	}

	switch method {
	case CtrlReadNow:
		if !s.submit(id, Job{Kind: JobMeasure, Prio: true, Tag: msg}) {
			s.replyErr(msg, errcode.Busy)
		}
	case CtrlSetRate:
		p, ok := msg.Payload.(types.SetRate)
		if !ok || p.PeriodMs == 0 {
			s.replyErr(msg, errcode.InvalidParams)
			return
		}
		ent.period = mathx.Clamp(time.Duration(p.PeriodMs)*time.Millisecond, MinPeriod, MaxPeriod)
		ent.next = time.Now().Add(ent.period)
		s.publishInfo(id, ent)
		s.conn.Reply(msg, types.SetRateAck{OK: true, PeriodMs: uint32(ent.period / time.Millisecond)}, false)
	case CtrlSetOversampling:
		p, ok := msg.Payload.(types.SetOversampling)
		if !ok || !bmp180.Oversampling(p.OSS).Valid() {
			s.replyErr(msg, errcode.InvalidParams)
			return
		}
		if !s.submit(id, Job{Kind: JobSetOversampling, OSS: bmp180.Oversampling(p.OSS), Prio: true, Tag: msg}) {
			s.replyErr(msg, errcode.Busy)
		}
	case CtrlReloadCalibration:
		if !s.submit(id, Job{Kind: JobReload, Prio: true, Tag: msg}) {
			s.replyErr(msg, errcode.Busy)
		}
	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

// submit queues j for device id on its bus worker.
func (s *Service) submit(id string, j Job) bool {
	ent, ok := s.devices[id]
	if !ok || ent.dev == nil {
		return false
	}
	w := s.workers[ent.cfg.Bus]
	if w == nil {
		return false
	}
	j.ID, j.Sensor = id, ent.dev
	return w.Submit(j)
}

// ---- results ----

func (s *Service) handleResult(r Result) {
	req, _ := r.Tag.(*bus.Message)
	ent, ok := s.devices[r.ID]
	if !ok || ent.dev != r.Sensor {
		if req != nil {
			s.replyErr(req, errcode.UnknownDevice)
		}
		return
	}
	if req == nil {
		ent.inFlight = false
	}
	log := s.log.WithFields(logrus.Fields{"device": r.ID, "job": r.Kind})

	if r.Err != nil {
		code := bmp180.Code(r.Err)
		s.mx.failed(r.ID, string(code))
		log.WithError(r.Err).WithField("attempts", r.Attempts).Warn("job failed")
		if req != nil {
			s.replyErr(req, code)
		}
		if r.Kind == JobSetOversampling {
			return
		}
		ent.failures++
		link := types.LinkDegraded
		if ent.failures >= downAfter || !ent.hasCal || code == errcode.NotCalibrated || code == errcode.CalibrationInvalid {
			link = types.LinkDown
		}
		if code == errcode.NotCalibrated {
			ent.hasCal = false
		}
		s.setState(r.ID, ent, link, string(code))
		return
	}

	switch r.Kind {
	case JobMeasure:
		v := s.value(ent, r.Sample)
		s.mx.observe(r.ID, v.DeciC, v.Pa, float64(v.AltDm)/10, r.Elapsed.Seconds())
		s.conn.Publish(s.conn.NewMessage(bus.T(TokBaro, r.ID, TokValue), v, false))
		if req != nil {
			s.conn.Reply(req, types.ReadNowAck{OK: true, Value: v}, false)
		}
	case JobReload:
		ent.cal, ent.hasCal = r.Cal, true
		s.publishInfo(r.ID, ent)
		log.Info("calibration loaded")
		if req != nil {
			s.conn.Reply(req, types.ReloadAck{OK: true, Calibration: calWords(r.Cal)}, false)
		}
	case JobSetOversampling:
		ent.oss = r.OSS
		s.publishInfo(r.ID, ent)
		if req != nil {
			s.conn.Reply(req, types.SetOversamplingAck{OK: true, OSS: uint8(r.OSS)}, false)
		}
		return
	}
	ent.failures = 0
	s.setState(r.ID, ent, types.LinkUp, "")
}

func (s *Service) value(ent *devEntry, smp bmp180.Sample) types.BaroValue {
	alt := smp.Altitude(ent.cfg.SeaLevelPa)
	return types.BaroValue{
		DeciC: smp.DeciCelsius,
		Pa:    smp.Pascals,
		OSS:   uint8(smp.Oversampling),
		AltDm: int32(math.Round(alt * 10)),
		TS:    timex.NowMs(),
	}
}

// setState publishes the device state when it changes.
func (s *Service) setState(id string, ent *devEntry, link types.Link, code string) {
	if ent.link == link && ent.errCode == code {
		return
	}
	ent.link, ent.errCode = link, code
	s.pubRet(id, TokState, types.BaroState{Link: link, Error: code, TS: timex.NowMs()})
}

// ---- helpers ----

func (s *Service) earliestDue() time.Time {
	var min time.Time
	for _, ent := range s.devices {
		if !ent.next.IsZero() && (min.IsZero() || ent.next.Before(min)) {
			min = ent.next
		}
	}
	return min
}

func (s *Service) publishInfo(id string, ent *devEntry) {
	info := types.BaroInfo{
		SchemaVersion: 1,
		Driver:        "bmp180",
		Bus:           ent.cfg.Bus,
		Addr:          ent.cfg.Addr,
		Oversampling:  uint8(ent.oss),
		PeriodMs:      uint32(ent.period / time.Millisecond),
	}
	if ent.hasCal {
		info.Calibration = calWords(ent.cal)
	}
	s.pubRet(id, TokInfo, info)
}

func (s *Service) publishState(level, status string, err error) {
	pl := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		pl.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(topicState, pl, true))
}

func (s *Service) replyErr(req *bus.Message, code errcode.Code) {
	s.conn.Reply(req, types.ErrorReply{OK: false, Error: string(code)}, false)
}

func (s *Service) pubRet(id, suffix string, p any) {
	s.conn.Publish(s.conn.NewMessage(bus.T(TokBaro, id, suffix), p, true))
}

// calWords returns AC1..MD as decoded, AC4..AC6 unsigned.
func calWords(c bmp180.Coefficients) [11]int32 {
	return [11]int32{
		int32(c.AC1), int32(c.AC2), int32(c.AC3),
		int32(c.AC4), int32(c.AC5), int32(c.AC6),
		int32(c.B1), int32(c.B2), int32(c.MB), int32(c.MC), int32(c.MD),
	}
}
