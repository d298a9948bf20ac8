// Command bmp180read samples BMP180 sensors on a Linux host and prints the
// readings. It runs the same sampler service as the firmware, on an
// in-process bus.
//
//	bmp180read -transport periph -bus 1 -oss 3 -interval 2s
//	bmp180read -config sensors.json -metrics :9180
//	bmp180read -transport sim -profile sim
//	bmp180read -transport sim -count 1 -json
//
// With -config, SIGHUP re-reads the file and applies the changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bmp180-go/bus"
	"bmp180-go/platform"
	"bmp180-go/services/baro"
	"bmp180-go/services/config"
	"bmp180-go/types"
	"bmp180-go/x/mathx"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type flags struct {
	transport  string
	bus        string
	id         string
	addr       uint
	oss        uint
	interval   time.Duration
	seaLevelPa int
	count      int
	config     string
	profile    string
	metrics    string
	jsonOut    bool
	list       bool
	level      string
	speedHz    int64
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.transport, "transport", platform.TransportPeriph, "bus transport: periph, embd or sim")
	flag.StringVar(&f.bus, "bus", "1", "bus name or number")
	flag.StringVar(&f.id, "id", "bmp180", "device id used on the bus topics")
	flag.UintVar(&f.addr, "addr", types.DefaultAddr, "7-bit device address")
	flag.UintVar(&f.oss, "oss", 0, "oversampling 0..3")
	flag.DurationVar(&f.interval, "interval", time.Second, "sampling period (200ms..1h)")
	flag.IntVar(&f.seaLevelPa, "sealevel", types.DefaultSeaLevelPa, "sea-level pressure in Pa for altitude")
	flag.IntVar(&f.count, "count", 0, "exit after this many readings (0 = run until interrupted)")
	flag.StringVar(&f.config, "config", "", "JSON sampler config; overrides -bus/-id/-addr/-oss/-interval/-sealevel")
	flag.StringVar(&f.profile, "profile", "", "embedded sampler config profile (sim, rpi)")
	flag.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	flag.BoolVar(&f.jsonOut, "json", false, "print readings as JSON lines")
	flag.BoolVar(&f.list, "list", false, "list periph I2C buses and exit")
	flag.StringVar(&f.level, "log-level", "info", "log level")
	flag.Int64Var(&f.speedHz, "speed", 0, "bus clock in Hz (periph only, 0 = leave unchanged)")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	lvl, err := log.ParseLevel(f.level)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if f.list {
		names, err := platform.PeriphBuses()
		if err != nil {
			log.Fatalf("%+v", err)
		}
		for _, n := range names {
			os.Stdout.WriteString(n + "\n")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, source(f)); err != nil {
		log.Fatalf("%+v", err)
	}
}

func source(f flags) config.Source {
	switch {
	case f.config != "":
		return config.FileSource(f.config)
	case f.profile != "":
		return config.ProfileSource(f.profile)
	}
	return config.StaticSource(types.SamplerConfig{Devices: []types.BaroConfig{{
		ID:           f.id,
		Bus:          f.bus,
		Addr:         uint16(f.addr),
		Oversampling: uint8(f.oss),
		PeriodMs:     uint32(mathx.RoundDiv(f.interval, time.Millisecond)),
		SeaLevelPa:   int32(f.seaLevelPa),
	}}})
}

// hangups forwards SIGHUP as reload requests until ctx ends.
func hangups(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	out := make(chan struct{})
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				log.Info("reloading config")
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func run(ctx context.Context, f flags, src config.Source) error {
	buses := platform.NewBuses(f.transport, platform.Options{SpeedHz: f.speedHz}, log.StandardLogger())
	defer buses.Close()

	reg := prometheus.NewRegistry()
	if f.metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: f.metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server")
			}
		}()
		defer srv.Close()
		log.WithField("addr", f.metrics).Info("serving metrics")
	}

	b := bus.NewBus(32)
	svc := baro.New(b.NewConnection("baro"), buses, baro.Options{
		Log:     log.WithField("svc", "baro"),
		Metrics: baro.NewMetrics(reg),
	})
	svcCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(svcCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ui := b.NewConnection("cli")
	values := ui.Subscribe(bus.T(baro.TokBaro, "+", baro.TokValue))
	states := ui.Subscribe(bus.T(baro.TokBaro, "+", baro.TokState))
	infos := ui.Subscribe(bus.T(baro.TokBaro, "+", baro.TokInfo))
	cfgSvc := config.NewConfigService(src, log.StandardLogger())
	if err := cfgSvc.Start(ctx, b.NewConnection("config"), hangups(ctx)); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-infos.Channel():
			if info, ok := m.Payload.(types.BaroInfo); ok {
				log.WithFields(log.Fields{
					"device":      m.Topic[1].String(),
					"bus":         info.Bus,
					"addr":        info.Addr,
					"oss":         info.Oversampling,
					"period_ms":   info.PeriodMs,
					"calibration": info.Calibration,
				}).Info("sensor info")
			}
		case m := <-states.Channel():
			if st, ok := m.Payload.(types.BaroState); ok {
				e := log.WithFields(log.Fields{
					"device": m.Topic[1].String(),
					"link":   st.Link,
					"since":  humanize.RelTime(time.UnixMilli(st.TS), time.Now(), "ago", "from now"),
				})
				if st.Error != "" {
					e.WithField("error", st.Error).Warn("sensor state")
				} else {
					e.Info("sensor state")
				}
			}
		case m := <-values.Channel():
			v, ok := m.Payload.(types.BaroValue)
			if !ok {
				continue
			}
			if f.jsonOut {
				if err := enc.Encode(struct {
					Device string `json:"device"`
					types.BaroValue
				}{Device: m.Topic[1].String(), BaroValue: v}); err != nil {
					return xerrors.Errorf("json.Encode: %w", err)
				}
			} else {
				log.WithFields(log.Fields{
					"device":   m.Topic[1].String(),
					"temp_c":   float64(v.DeciC) / 10,
					"pressure": humanize.SIWithDigits(float64(v.Pa), 2, "Pa"),
					"alt_m":    float64(v.AltDm) / 10,
					"oss":      v.OSS,
				}).Info("reading")
			}
			seen++
			if f.count > 0 && seen >= f.count {
				return nil
			}
		}
	}
}
