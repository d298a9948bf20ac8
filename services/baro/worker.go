package baro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bmp180-go/drivers/bmp180"
	"bmp180-go/errcode"
	"bmp180-go/x/timex"
)

// Sensor is the part of *bmp180.Device the worker drives.
type Sensor interface {
	Read(ctx context.Context) (bmp180.Sample, error)
	LoadCalibration(ctx context.Context) error
	Calibration() (bmp180.Coefficients, bool)
	SetOversampling(bmp180.Oversampling) error
}

type JobKind uint8

const (
	JobMeasure JobKind = iota + 1
	JobReload
	JobSetOversampling
)

func (k JobKind) String() string {
	switch k {
	case JobMeasure:
		return "measure"
	case JobReload:
		return "reload"
	case JobSetOversampling:
		return "set_oversampling"
	default:
		return "unknown"
	}
}

// Job is one unit of bus work for a device. Tag is returned untouched in
// the Result.
type Job struct {
	ID     string
	Kind   JobKind
	Sensor Sensor
	OSS    bmp180.Oversampling // JobSetOversampling only
	Prio   bool
	Tag    any
}

type Result struct {
	Job
	Sample   bmp180.Sample
	Cal      bmp180.Coefficients
	Attempts int
	Elapsed  time.Duration
	Err      error
}

type WorkerConfig struct {
	JobTimeout     time.Duration // per attempt
	RetryBackoff   time.Duration
	MaxRetries     int // retries after the first attempt, bus errors only; 0 => 3, <0 => none
	InputQueueSize int
	// OnRetry, if set, is called before each retry.
	OnRetry func(j Job, attempt int, err error)
}

// Worker runs every job for one bus on a single goroutine, so devices on
// that bus are never driven concurrently.
type Worker struct {
	cfg  WorkerConfig
	reqQ chan Job
	sink chan<- Result
}

func NewWorker(cfg WorkerConfig, sink chan<- Result) *Worker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 250 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InputQueueSize <= 0 {
		cfg.InputQueueSize = 16
	}
	return &Worker{
		cfg:  cfg,
		reqQ: make(chan Job, cfg.InputQueueSize),
		sink: sink,
	}
}

// Submit queues j without blocking. Priority jobs wait briefly for space.
func (w *Worker) Submit(j Job) bool {
	select {
	case w.reqQ <- j:
		return true
	default:
		if j.Prio {
			select {
			case w.reqQ <- j:
				return true
			case <-time.After(5 * time.Millisecond):
			}
		}
		return false
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-w.reqQ:
				r := w.run(ctx, j)
				if ctx.Err() != nil {
					return
				}
				w.emit(ctx, r)
			}
		}
	}()
}

func (w *Worker) run(ctx context.Context, j Job) Result {
	start := time.Now()
	r := Result{Job: j}
	for {
		r.Attempts++
		r.Err = w.attempt(ctx, &r)
		if r.Err == nil || !errors.Is(r.Err, bmp180.ErrBus) || r.Attempts > w.cfg.MaxRetries {
			break
		}
		if w.cfg.OnRetry != nil {
			w.cfg.OnRetry(j, r.Attempts, r.Err)
		}
		if timex.Sleep(ctx, w.cfg.RetryBackoff) != nil {
			break
		}
	}
	r.Elapsed = time.Since(start)
	return r
}

func (w *Worker) attempt(ctx context.Context, r *Result) error {
	actx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	switch r.Kind {
	case JobMeasure:
		s, err := r.Sensor.Read(actx)
		if err != nil {
			return err
		}
		r.Sample = s
	case JobReload:
		if err := r.Sensor.LoadCalibration(actx); err != nil {
			return err
		}
		r.Cal, _ = r.Sensor.Calibration()
	case JobSetOversampling:
		if err := r.Sensor.SetOversampling(r.OSS); err != nil {
			return err
		}
	default:
		return errcode.Wrap(errcode.Unsupported, "baro worker", fmt.Errorf("%w %d", errUnknownJob, r.Kind))
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, r Result) {
	select {
	case w.sink <- r:
	case <-ctx.Done():
	}
}

var errUnknownJob = errors.New("baro: unknown job kind")
