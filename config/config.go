package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full configuration for a calibration session.
type Config struct {
	Port    PortConfig    `mapstructure:"port"`
	Bed     BedConfig     `mapstructure:"bed"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Timeout TimeoutConfig `mapstructure:"timeout"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// PortConfig selects the transport. Device takes a serial node
// ("/dev/ttyACM0") or a WebSocket bridge URL ("ws://host:81/").
type PortConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

// BedConfig covers heating and the geometry fallback used when the
// firmware does not report its build area.
type BedConfig struct {
	TargetTemp     float64 `mapstructure:"target_temp"`
	DisableAfter   bool    `mapstructure:"disable_after"`
	FallbackWidth  float64 `mapstructure:"fallback_width"`
	FallbackHeight float64 `mapstructure:"fallback_height"`
}

// ProbeConfig tunes the descent phases.
type ProbeConfig struct {
	SafeHeight   float64       `mapstructure:"safe_height"`
	CoarseStep   float64       `mapstructure:"coarse_step"`
	FineStep     float64       `mapstructure:"fine_step"`
	FineFeedRate float64       `mapstructure:"fine_feed_rate"`
	Repetitions  int           `mapstructure:"repetitions"`
	SkipHoming   bool          `mapstructure:"skip_homing"`
	DeploySettle time.Duration `mapstructure:"deploy_settle"`
	StowSettle   time.Duration `mapstructure:"stow_settle"`
	MoveSettle   time.Duration `mapstructure:"move_settle"`
}

// MeshConfig controls the optional post-calibration mesh
// repopulation.
type MeshConfig struct {
	RunAfter     bool `mapstructure:"run_after"`
	RefinePasses int  `mapstructure:"refine_passes"`
}

// TimeoutConfig holds the acknowledgment and polling budgets.
type TimeoutConfig struct {
	Command      time.Duration `mapstructure:"command"`
	Long         time.Duration `mapstructure:"long"`
	HeatDeadline time.Duration `mapstructure:"heat_deadline"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MonitorConfig configures the status API. An empty listen address
// disables it.
type MonitorConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load reads configuration from the given file (or the default
// search path when file is empty), then environment variables, and
// applies defaults for everything left unset.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("probecal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.probecal")
		v.AddConfigPath("/etc/probecal")
	}

	v.SetEnvPrefix("PROBECAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// no file on the search path is fine, defaults and env
		// cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port.device", "/dev/ttyACM0")
	v.SetDefault("port.baud", 115200)

	v.SetDefault("bed.target_temp", 65)
	v.SetDefault("bed.disable_after", false)
	v.SetDefault("bed.fallback_width", 235)
	v.SetDefault("bed.fallback_height", 235)

	v.SetDefault("probe.safe_height", 7.0)
	v.SetDefault("probe.coarse_step", 0.2)
	v.SetDefault("probe.fine_step", 0.01)
	v.SetDefault("probe.fine_feed_rate", 50)
	v.SetDefault("probe.repetitions", 3)
	v.SetDefault("probe.skip_homing", false)
	v.SetDefault("probe.deploy_settle", "650ms")
	v.SetDefault("probe.stow_settle", "2190ms")
	v.SetDefault("probe.move_settle", "3s")

	v.SetDefault("mesh.run_after", false)
	v.SetDefault("mesh.refine_passes", 2)

	v.SetDefault("timeout.command", "5s")
	v.SetDefault("timeout.long", "600s")
	v.SetDefault("timeout.heat_deadline", "20m")
	v.SetDefault("timeout.poll_interval", "1s")

	v.SetDefault("monitor.listen", "")
}

func validate(cfg *Config) error {
	if cfg.Port.Device == "" {
		return errors.New("port.device is required")
	}
	if cfg.Port.Baud <= 0 {
		return errors.New("port.baud must be positive")
	}
	if cfg.Bed.TargetTemp < 0 || cfg.Bed.TargetTemp > 150 {
		return errors.New("bed.target_temp must be between 0 and 150")
	}
	if cfg.Bed.FallbackWidth <= 0 || cfg.Bed.FallbackHeight <= 0 {
		return errors.New("bed fallback dimensions must be positive")
	}
	if cfg.Probe.SafeHeight <= 0 {
		return errors.New("probe.safe_height must be positive")
	}
	if cfg.Probe.CoarseStep <= 0 || cfg.Probe.FineStep <= 0 {
		return errors.New("probe steps must be positive")
	}
	if cfg.Probe.FineStep >= cfg.Probe.CoarseStep {
		return errors.New("probe.fine_step must be smaller than probe.coarse_step")
	}
	if cfg.Probe.FineFeedRate <= 0 {
		return errors.New("probe.fine_feed_rate must be positive")
	}
	if cfg.Probe.Repetitions < 1 {
		return errors.New("probe.repetitions must be at least 1")
	}
	if cfg.Mesh.RefinePasses < 0 {
		return errors.New("mesh.refine_passes cannot be negative")
	}
	if cfg.Timeout.Command <= 0 || cfg.Timeout.Long <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.Timeout.HeatDeadline <= 0 {
		return errors.New("timeout.heat_deadline must be positive")
	}
	if cfg.Timeout.PollInterval <= 0 {
		return errors.New("timeout.poll_interval must be positive")
	}
	return nil
}
