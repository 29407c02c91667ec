package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/w1xm/platesolve/archive"
	"github.com/w1xm/platesolve/camera"
	"github.com/w1xm/platesolve/coord"
	"github.com/w1xm/platesolve/indi"
	"github.com/w1xm/platesolve/indi/simulator"
	"github.com/w1xm/platesolve/internal/config"
	"github.com/w1xm/platesolve/internal/log"
	"github.com/w1xm/platesolve/pointing"
	"github.com/w1xm/platesolve/publish"
	"github.com/w1xm/platesolve/solver"
	"github.com/w1xm/platesolve/store"
	"github.com/w1xm/platesolve/trigger"
	"golang.org/x/sync/errgroup"
)

var staticDir string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pointing correction loop",
	Long: `Connects to the INDI server, prepares the telescope and camera, and runs the
pointing correction loop with its HTTP API until interrupted.`,
	RunE: runRun,
}

func init() {
	fs := runCmd.Flags()
	fs.Bool("simulate", false, "Use the built-in telescope and camera simulator")
	fs.String("http-address", ":8502", "HTTP API listen address")
	fs.String("trigger-path", trigger.DefaultPath, "File whose creation requests a solve")
	fs.Duration("loop.exposure", 2*time.Second, "Exposure time")
	fs.Float64("loop.deadband", 30, "Pointing error needing no correction, arcseconds")
	fs.Float64("loop.min-altitude", 15, "Lowest altitude the telescope may be sent to, degrees")
	fs.String("solver.binary", "/usr/local/bin/astap", "Plate solver executable")
	fs.String("solver.dir", ".", "Working directory for solver artifacts")
	fs.StringVar(&staticDir, "static-dir", "", "Directory of static files served at /")

	for _, name := range []string{"simulate", "http-address", "trigger-path", "loop.exposure", "loop.deadband", "loop.min-altitude", "solver.binary", "solver.dir"} {
		viper.BindPFlag(name, fs.Lookup(name))
	}
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	g, ctx := errgroup.WithContext(ctx)

	cam := camera.New(camera.Options{
		Device:         cfg.INDI.Camera,
		BLOB:           "CCD1",
		ReadoutTimeout: cfg.Loop.ReadoutTimeout,
	})
	launch := solver.ASTAP(cfg.Solver.Binary)
	var client *indi.Client
	if cfg.Simulate {
		simOpts := simulator.DefaultOptions()
		simOpts.Telescope = cfg.INDI.Telescope
		simOpts.Camera = cfg.INDI.Camera
		sim, conn := simulator.New(simOpts)
		g.Go(func() error { return sim.Run(ctx) })
		// Simulator frames carry their true pointing in the header.
		launch = solver.Echo(500 * time.Millisecond)
		client, err = indi.NewClient(ctx, conn, cam.HandleUpdate)
	} else {
		client, err = indi.Dial(ctx, cfg.INDI.Address, cam.HandleUpdate)
	}
	if err != nil {
		return fmt.Errorf("connecting to INDI server: %w", err)
	}
	defer client.Close()
	cam.Attach(client)

	if err := setupDevices(ctx, client, cfg); err != nil {
		return fmt.Errorf("setting up devices: %w", err)
	}

	server := NewServer(nil, db)
	recorders := pointing.MultiRecorder{db}
	callbacks := []pointing.StatusCallback{server.statusCallback}

	if cfg.Influx.URL != "" {
		influx := store.NewInflux(cfg.Influx)
		defer influx.Close()
		recorders = append(recorders, influx)
	}
	if cfg.MQTT.Broker != "" {
		pub, err := publish.Connect(ctx, cfg.MQTT)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pub.Close(shutdownCtx)
		}()
		callbacks = append(callbacks, pub.Status)
		g.Go(func() error { return pub.Run(ctx) })
	}
	var frames pointing.FrameSink
	if cfg.Archive.Endpoint != "" {
		a, err := archive.New(cfg.Archive)
		if err != nil {
			return err
		}
		if err := a.CheckBucket(ctx); err != nil {
			log.Warn("archive bucket unavailable", "error", err)
		}
		frames = a
		g.Go(func() error { return a.Run(ctx) })
	}

	opts := pointing.Options{
		Telescope:      cfg.INDI.Telescope,
		Exposure:       cfg.Loop.Exposure,
		SearchRadius:   cfg.Loop.SearchRadius,
		Deadband:       cfg.Loop.Deadband,
		MaxCorrection:  cfg.Loop.MaxCorrection,
		MinAltitude:    cfg.Loop.MinAltitude,
		MaxCorrections: cfg.Loop.MaxCorrections,
		TickInterval:   cfg.Loop.TickInterval,
		Observer: coord.Observer{
			Latitude:  cfg.Observer.Latitude,
			Longitude: cfg.Observer.Longitude,
			Height:    cfg.Observer.Height,
		},
		Recorder:   recorders,
		Frames:     frames,
		Registerer: reg,
		OnStatus: func(s pointing.Snapshot) {
			for _, cb := range callbacks {
				cb(s)
			}
		},
	}
	plateSolver := solver.New(solver.Options{
		Dir:            cfg.Solver.Dir,
		Timeout:        cfg.Solver.Timeout,
		PollInterval:   cfg.Solver.PollInterval,
		CorruptRetries: cfg.Solver.CorruptRetries,
		Launch:         launch,
	})
	loop := pointing.New(opts, client, cam, plateSolver)
	server.loop = loop

	srv := &http.Server{
		Handler:      server.Handler(reg, staticDir),
		Addr:         cfg.HTTPAddress,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return trigger.Watch(ctx, cfg.TriggerPath, loop.RequestSolve) })
	g.Go(func() error {
		select {
		case <-client.Done():
			return client.Err()
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		log.Info("serving HTTP API", "address", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}

// setupDevices connects the telescope and camera and prepares them for the
// loop: the mount tracks after a slew, and the camera delivers images to us.
func setupDevices(ctx context.Context, client *indi.Client, cfg *config.Config) error {
	timeout := cfg.INDI.ConnectTimeout
	tel, cam := cfg.INDI.Telescope, cfg.INDI.Camera

	if err := client.ConnectDevice(ctx, tel, timeout); err != nil {
		return fmt.Errorf("connecting %s: %w", tel, err)
	}
	if _, err := client.WaitUntilAvailable(ctx, tel, "ON_COORD_SET", timeout); err != nil {
		return err
	}
	if err := client.Set(tel, "ON_COORD_SET",
		indi.Switch("TRACK", true), indi.Switch("SLEW", false), indi.Switch("SYNC", false)); err != nil {
		return err
	}
	if _, err := client.WaitUntilAvailable(ctx, tel, pointing.CoordProperty, timeout); err != nil {
		return err
	}

	if err := client.ConnectDevice(ctx, cam, timeout); err != nil {
		return fmt.Errorf("connecting %s: %w", cam, err)
	}
	if _, err := client.WaitUntilAvailable(ctx, cam, "ACTIVE_DEVICES", timeout); err != nil {
		return err
	}
	if err := client.Set(cam, "ACTIVE_DEVICES", indi.Text("ACTIVE_TELESCOPE", tel)); err != nil {
		return err
	}
	if err := client.EnableBLOB(cam, "CCD1", indi.BLOBAlso); err != nil {
		return err
	}
	if _, err := client.WaitUntilAvailable(ctx, cam, "CCD_EXPOSURE", timeout); err != nil {
		return err
	}
	log.Info("devices ready", "telescope", tel, "camera", cam)
	return nil
}
