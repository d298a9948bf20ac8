package config

import (
	"bytes"
	"context"
	"os"

	"bmp180-go/bus"
	"bmp180-go/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	serviceName  = "config"
	configPrefix = "config"
	baroKey      = "baro"
)

// EmbeddedConfigLookup resolves a named profile to raw JSON.
var EmbeddedConfigLookup = func(profile string) ([]byte, bool) {
	b, ok := embeddedConfigs[profile]
	return b, ok
}

// Source yields the sampler configuration. It is called at start and on
// every reload.
type Source func() (types.SamplerConfig, error)

// FileSource reads a JSON sampler config from path.
func FileSource(path string) Source {
	return func() (types.SamplerConfig, error) {
		f, err := os.Open(path)
		if err != nil {
			return types.SamplerConfig{}, xerrors.Errorf("open config: %w", err)
		}
		defer f.Close()
		cfg, err := types.ReadSamplerConfig(f)
		if err != nil {
			return types.SamplerConfig{}, xerrors.Errorf("%s: %w", path, err)
		}
		return cfg, nil
	}
}

// ProfileSource reads a config compiled into the binary.
func ProfileSource(name string) Source {
	return func() (types.SamplerConfig, error) {
		raw, ok := EmbeddedConfigLookup(name)
		if !ok || len(raw) == 0 {
			return types.SamplerConfig{}, xerrors.Errorf("no embedded config %q", name)
		}
		cfg, err := types.ReadSamplerConfig(bytes.NewReader(raw))
		if err != nil {
			return types.SamplerConfig{}, xerrors.Errorf("profile %q: %w", name, err)
		}
		return cfg, nil
	}
}

// StaticSource always yields cfg.
func StaticSource(cfg types.SamplerConfig) Source {
	return func() (types.SamplerConfig, error) {
		c := cfg
		if err := c.Validate(); err != nil {
			return types.SamplerConfig{}, err
		}
		return c, nil
	}
}

// ConfigService publishes the sampler config retained on config/baro.
type ConfigService struct {
	Name string
	src  Source
	log  logrus.FieldLogger
}

func NewConfigService(src Source, log logrus.FieldLogger) *ConfigService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConfigService{Name: serviceName, src: src, log: log.WithField("svc", serviceName)}
}

// publishConfig loads and publishes the config. On failure the previously
// retained config stays in place.
func (s *ConfigService) publishConfig(conn *bus.Connection) error {
	cfg, err := s.src()
	if err != nil {
		s.log.WithError(err).Error("config not published")
		return err
	}
	conn.Publish(conn.NewMessage(bus.T(configPrefix, baroKey), cfg, true))
	s.log.WithField("devices", len(cfg.Devices)).Info("config published")
	return nil
}

// Start publishes once, then again on every signal from reload until ctx
// ends. The first publish happens before Start returns.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection, reload <-chan struct{}) error {
	err := s.publishConfig(conn)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				_ = s.publishConfig(conn)
			}
		}
	}()
	return err
}
