package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/store"
)

var loggerCmd = &cobra.Command{
	Use:   "logger",
	Short: "Copy the status stream of a running instance into InfluxDB",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Influx.URL == "" {
			return errors.New("influx.url must be set")
		}
		url := viper.GetString("status-url")
		influx := store.NewInflux(cfg.Influx)
		defer influx.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			if err := logStatus(ctx, url, influx); err != nil {
				log.Warn("status stream ended", "url", url, "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	},
}

func init() {
	fs := loggerCmd.Flags()
	fs.String("status-url", "ws://localhost:8502/api/ws", "Status websocket of the platesolve server")
	viper.BindPFlag("status-url", fs.Lookup("status-url"))
	rootCmd.AddCommand(loggerCmd)
}

func logStatus(ctx context.Context, url string, influx *store.Influx) error {
	defer influx.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	log.Info("logging status", "url", url)
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		influx.WriteStatus(status, time.Now())
	}
}
