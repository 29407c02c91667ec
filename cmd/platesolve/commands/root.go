// Package commands implements the platesolve command line.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/w1xm/platesolve/internal/config"
	"github.com/w1xm/platesolve/internal/log"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "platesolve",
	Short: "Plate-solve pointing correction for an INDI telescope",
	Long: `Slews an INDI telescope, captures frames, plate-solves them with an external
solver and corrects the mount until it points where it was sent.`,
	SilenceUsage: true,
}

func Execute() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&configDir, "config", "", "Directory containing platesolve.yaml")
	fs.String("indi.address", "localhost:7624", "INDI server address")
	fs.String("indi.telescope", "Telescope Simulator", "INDI telescope device")
	fs.String("indi.camera", "CCD Simulator", "INDI camera device")
	fs.String("sqlite-path", "platesolve.db", "SQLite database path")
	log.NewOptions().AddFlags(fs)

	for _, name := range []string{"indi.address", "indi.telescope", "indi.camera", "sqlite-path", "log.level", "log.format", "log.enable-color"} {
		viper.BindPFlag(name, fs.Lookup(name))
	}
}

// loadConfig reads and validates the configuration and starts logging.
func loadConfig() (*config.Config, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(viper.GetViper(), paths...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, nil
}
