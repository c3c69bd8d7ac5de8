package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GatewayConfigHolder serves the current cache gateway settings. Callers must
// read it on every request so that file or env changes take effect between runs.
type GatewayConfigHolder struct {
	current atomic.Value // holds GatewayConfig
}

// NewStaticGatewayConfig returns a holder that only changes through Set.
func NewStaticGatewayConfig(cfg GatewayConfig) *GatewayConfigHolder {
	holder := &GatewayConfigHolder{}
	holder.current.Store(normalizeGatewayConfig(cfg))
	return holder
}

// NewGatewayConfigHolder seeds the holder from env and overlays cachegateway.yml
// when one is found. The file is watched and reloaded in place.
func NewGatewayConfigHolder(cfg Config, log *zap.Logger) (*GatewayConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.gateway")

	v := viper.New()
	v.SetConfigName("cachegateway")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditsync")
	v.AddConfigPath(".")

	v.SetDefault("gateway.base_url", cfg.CacheGateway.BaseURL)
	v.SetDefault("gateway.token", cfg.CacheGateway.Token)
	v.SetDefault("gateway.timeout", cfg.CacheGateway.Timeout)

	holder := NewStaticGatewayConfig(cfg.CacheGateway)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return holder, nil
		}
		return nil, err
	}

	loaded, err := unmarshalGatewayConfig(v)
	if err != nil {
		return nil, err
	}
	holder.Set(loaded)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalGatewayConfig(v)
		if err != nil {
			log.Warn("cache gateway config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.Set(updated)
		log.Info("cache gateway config reloaded",
			zap.String("file", e.Name),
			zap.Bool("configured", updated.Configured()),
		)
	})

	return holder, nil
}

func (h *GatewayConfigHolder) Get() GatewayConfig {
	if h == nil {
		return GatewayConfig{}
	}
	cfg, _ := h.current.Load().(GatewayConfig)
	return cfg
}

func (h *GatewayConfigHolder) Set(cfg GatewayConfig) {
	if h == nil {
		return
	}
	h.current.Store(normalizeGatewayConfig(cfg))
}

func unmarshalGatewayConfig(v *viper.Viper) (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := v.UnmarshalKey("gateway", &cfg); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.Timeout < 0 {
		return GatewayConfig{}, errors.New("gateway.timeout cannot be negative")
	}
	return cfg, nil
}

func normalizeGatewayConfig(cfg GatewayConfig) GatewayConfig {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return cfg
}
