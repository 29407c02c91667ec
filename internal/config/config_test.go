package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	want := Loop{
		Exposure:       2 * time.Second,
		ReadoutTimeout: 10 * time.Second,
		SearchRadius:   30,
		Deadband:       30,
		MaxCorrection:  3600,
		MinAltitude:    15,
		MaxCorrections: 5,
		TickInterval:   time.Second,
	}
	if diff := cmp.Diff(cfg.Loop, want); diff != "" {
		t.Errorf("unexpected loop defaults: got(-)/want(+):\n%s", diff)
	}
	if cfg.INDI.Address != "localhost:7624" {
		t.Errorf("indi.address = %q", cfg.INDI.Address)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := strings.Join([]string{
		"indi:",
		"  address: mount.local:7624",
		"loop:",
		"  deadband: 20",
		"  exposure: 5s",
		"solver:",
		"  timeout: 30s",
		"mqtt:",
		"  broker: tcp://broker:1883",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "platesolve.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLATESOLVE_LOOP_MIN_ALTITUDE", "25")
	t.Setenv("PLATESOLVE_LOOP_DEADBAND", "10")

	cfg, err := Load(viper.New(), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.INDI.Address != "mount.local:7624" {
		t.Errorf("indi.address = %q, want value from file", cfg.INDI.Address)
	}
	if cfg.Loop.Exposure != 5*time.Second || cfg.Solver.Timeout != 30*time.Second {
		t.Errorf("durations = %v, %v, want 5s, 30s", cfg.Loop.Exposure, cfg.Solver.Timeout)
	}
	if cfg.Loop.MinAltitude != 25 {
		t.Errorf("loop.min-altitude = %v, want 25 from environment", cfg.Loop.MinAltitude)
	}
	if cfg.Loop.Deadband != 10 {
		t.Errorf("loop.deadband = %v, want environment to override file", cfg.Loop.Deadband)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.Topic != "platesolve/status" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"deadband above ceiling", func(c *Config) { c.Loop.Deadband = 4000 }, "loop.max-correction"},
		{"no exposure", func(c *Config) { c.Loop.Exposure = 0 }, "loop.exposure"},
		{"bad altitude", func(c *Config) { c.Loop.MinAltitude = 91 }, "loop.min-altitude"},
		{"no address", func(c *Config) { c.INDI.Address = "" }, "indi.address"},
		{"simulated needs no address", func(c *Config) { c.INDI.Address = ""; c.Simulate = true }, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Load(viper.New(), t.TempDir())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			test.modify(cfg)
			err = cfg.Validate()
			if test.want == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, test.want)
			}
		})
	}
}
