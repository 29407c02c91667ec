// Package config loads platesolve settings from defaults, an optional
// platesolve.yaml, PLATESOLVE_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/w1xm/platesolve/archive"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/publish"
	"github.com/w1xm/platesolve/store"
)

type INDI struct {
	Address        string        `mapstructure:"address"`
	Telescope      string        `mapstructure:"telescope"`
	Camera         string        `mapstructure:"camera"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

type Loop struct {
	Exposure       time.Duration `mapstructure:"exposure"`
	ReadoutTimeout time.Duration `mapstructure:"readout-timeout"`
	SearchRadius   float64       `mapstructure:"search-radius"`
	Deadband       float64       `mapstructure:"deadband"`
	MaxCorrection  float64       `mapstructure:"max-correction"`
	MinAltitude    float64       `mapstructure:"min-altitude"`
	MaxCorrections int           `mapstructure:"max-corrections"`
	TickInterval   time.Duration `mapstructure:"tick-interval"`
}

type Observer struct {
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	Height    float64 `mapstructure:"height"`
}

type Solver struct {
	Binary         string        `mapstructure:"binary"`
	Dir            string        `mapstructure:"dir"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	CorruptRetries int           `mapstructure:"corrupt-retries"`
}

// Config holds all application configuration. Optional sinks are disabled
// while their address is empty.
type Config struct {
	INDI     INDI     `mapstructure:"indi"`
	Loop     Loop     `mapstructure:"loop"`
	Observer Observer `mapstructure:"observer"`
	Solver   Solver   `mapstructure:"solver"`

	HTTPAddress string `mapstructure:"http-address"`
	SQLitePath  string `mapstructure:"sqlite-path"`
	TriggerPath string `mapstructure:"trigger-path"`
	Simulate    bool   `mapstructure:"simulate"`

	Influx  store.InfluxOptions `mapstructure:"influx"`
	MQTT    publish.Options     `mapstructure:"mqtt"`
	Archive archive.Options     `mapstructure:"archive"`
	Log     log.Options         `mapstructure:"log"`
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("indi.address", "localhost:7624")
	v.SetDefault("indi.telescope", "Telescope Simulator")
	v.SetDefault("indi.camera", "CCD Simulator")
	v.SetDefault("indi.connect-timeout", 10*time.Second)

	v.SetDefault("loop.exposure", 2*time.Second)
	v.SetDefault("loop.readout-timeout", 10*time.Second)
	v.SetDefault("loop.search-radius", 30.0)
	v.SetDefault("loop.deadband", 30.0)
	v.SetDefault("loop.max-correction", 3600.0)
	v.SetDefault("loop.min-altitude", 15.0)
	v.SetDefault("loop.max-corrections", 5)
	v.SetDefault("loop.tick-interval", time.Second)

	v.SetDefault("observer.latitude", 49.8951)
	v.SetDefault("observer.longitude", -97.1384)
	v.SetDefault("observer.height", 300.0)

	v.SetDefault("solver.binary", "/usr/local/bin/astap")
	v.SetDefault("solver.dir", ".")
	v.SetDefault("solver.timeout", 10*time.Second)
	v.SetDefault("solver.poll-interval", 500*time.Millisecond)
	v.SetDefault("solver.corrupt-retries", 1)

	v.SetDefault("http-address", ":8502")
	v.SetDefault("sqlite-path", "platesolve.db")
	v.SetDefault("trigger-path", "solve.requested")
	v.SetDefault("simulate", false)

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "w1xm")
	v.SetDefault("influx.bucket", "platesolve")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "platesolve/status")
	v.SetDefault("mqtt.client-id", "platesolve")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.debug", false)

	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", "platesolve-failed")
	v.SetDefault("archive.access-key-id", "")
	v.SetDefault("archive.secret-access-key", "")
	v.SetDefault("archive.use-ssl", false)
	v.SetDefault("archive.prefix", "failed/")

	opts := log.NewOptions()
	v.SetDefault("log.level", opts.Level)
	v.SetDefault("log.format", opts.Format)
	v.SetDefault("log.enable-color", opts.EnableColor)
}

// Load reads configuration into a Config. Environment variables are named
// PLATESOLVE_ followed by the key with dots and dashes as underscores, e.g.
// PLATESOLVE_LOOP_MIN_ALTITUDE.
func Load(v *viper.Viper, configPaths ...string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("PLATESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("platesolve")
	v.SetConfigType("yaml")
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.platesolve")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Simulate && c.INDI.Address == "" {
		return fmt.Errorf("indi.address cannot be empty")
	}
	if c.INDI.Telescope == "" || c.INDI.Camera == "" {
		return fmt.Errorf("indi.telescope and indi.camera cannot be empty")
	}
	if c.Loop.Exposure <= 0 {
		return fmt.Errorf("loop.exposure must be positive")
	}
	if c.Loop.Deadband < 0 {
		return fmt.Errorf("loop.deadband must be non-negative")
	}
	if c.Loop.MaxCorrection <= c.Loop.Deadband {
		return fmt.Errorf("loop.max-correction (%v) must exceed loop.deadband (%v)", c.Loop.MaxCorrection, c.Loop.Deadband)
	}
	if c.Loop.MinAltitude < -90 || c.Loop.MinAltitude > 90 {
		return fmt.Errorf("loop.min-altitude must be within [-90, 90]")
	}
	if c.Loop.MaxCorrections < 0 {
		return fmt.Errorf("loop.max-corrections must be non-negative")
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("loop.tick-interval must be positive")
	}
	if c.Observer.Latitude < -90 || c.Observer.Latitude > 90 {
		return fmt.Errorf("observer.latitude must be within [-90, 90]")
	}
	if c.Solver.Timeout <= 0 || c.Solver.PollInterval <= 0 {
		return fmt.Errorf("solver.timeout and solver.poll-interval must be positive")
	}
	if c.Solver.CorruptRetries < 0 {
		return fmt.Errorf("solver.corrupt-retries must be non-negative")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic cannot be empty when mqtt.broker is set")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket cannot be empty when archive.endpoint is set")
	}
	return c.Log.Validate()
}
