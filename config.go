package worldsync

import (
	"strconv"

	"github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
)

const (
	RunModeProd = "production"
	RunModeDev  = "development"
)

type WorldConfig struct {
	RedisAddress       string  `config:"REDIS_ADDRESS"`
	RedisPassword      string  `config:"REDIS_PASSWORD"`
	Namespace          string  `config:"WORLDSYNC_NAMESPACE"`
	Port               string  `config:"WORLDSYNC_PORT"`
	DeployMode         string  `config:"WORLDSYNC_DEPLOY_MODE"`
	TickIntervalMillis int     `config:"WORLDSYNC_TICK_INTERVAL_MILLIS"`
	BucketSize         float64 `config:"WORLDSYNC_BUCKET_SIZE"`
	StatsdAddress      string  `config:"STATSD_ADDRESS"`
}

func defaultWorldConfig() WorldConfig {
	return WorldConfig{
		RedisAddress:       "localhost:6379",
		RedisPassword:      "",
		Namespace:          "world",
		Port:               "4040",
		DeployMode:         RunModeDev,
		TickIntervalMillis: 1000,
		BucketSize:         32,
	}
}

// loadWorldConfig starts from the built-in defaults and overlays whatever is
// set in the environment.
func loadWorldConfig() (WorldConfig, error) {
	cfg := defaultWorldConfig()
	if err := config.FromEnv().To(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to load world config from env")
	}
	if cfg.DeployMode != RunModeProd && cfg.DeployMode != RunModeDev {
		return cfg, eris.Errorf("invalid deploy mode %q", cfg.DeployMode)
	}
	if cfg.TickIntervalMillis <= 0 {
		return cfg, eris.Errorf("tick interval must be positive, got %d", cfg.TickIntervalMillis)
	}
	if cfg.BucketSize <= 0 {
		return cfg, eris.Errorf("bucket size must be positive, got %v", cfg.BucketSize)
	}
	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return cfg, eris.Errorf("invalid port %q", cfg.Port)
	}
	return cfg, nil
}
