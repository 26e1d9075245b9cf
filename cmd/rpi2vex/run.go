package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oomwoo/raspberry-pi/internal/api"
	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/camera"
	"github.com/oomwoo/raspberry-pi/internal/classifier"
	"github.com/oomwoo/raspberry-pi/internal/config"
	"github.com/oomwoo/raspberry-pi/internal/db"
	"github.com/oomwoo/raspberry-pi/internal/dispatch"
	"github.com/oomwoo/raspberry-pi/internal/fsutil"
	"github.com/oomwoo/raspberry-pi/internal/host"
	"github.com/oomwoo/raspberry-pi/internal/link"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/recording"
	"github.com/oomwoo/raspberry-pi/internal/serialmux"
	"github.com/oomwoo/raspberry-pi/internal/timeutil"
	"github.com/oomwoo/raspberry-pi/internal/version"
)

// shutdownTimeout bounds the host power-off command.
const shutdownTimeout = 30 * time.Second

// devStillDelay paces the fake camera when dev.interval is zero, roughly the
// time rpicam-still takes for a small frame.
const devStillDelay = 100 * time.Millisecond

// linkPort is the serial mux surface the process needs, whichever port backs
// it.
type linkPort interface {
	dispatch.FrameReader
	SendCommand(command string) error
	AttachAdminRoutes(mux *http.ServeMux)
	Close() error
}

// robot holds the collaborators of one link run.
type robot struct {
	cfg     *config.Config
	port    linkPort
	tty     string
	cam     camera.Device
	rec     *recording.Manager
	ctl     *autonomy.Controller
	journal *db.DB
	run     *db.RunJournal
}

func runLink(cmd *cobra.Command, v *viper.Viper, configPath string) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	monitoring.SetDebug(cfg.Log.Debug)
	if w := monitoring.NewRotatingWriter(cfg.Log.FileConfig()); w != nil {
		defer w.Close()
		defer monitoring.RedirectStdLog(w, os.Stderr)()
	}
	if err := monitoring.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	monitoring.Logf("rpi2vex %s starting", version.String())

	r, err := newRobot(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, runErr := r.serve(ctx)
	r.close()
	fmt.Fprintf(cmd.OutOrStdout(), "link ended: %s\n", outcome)

	if cfg.Shutdown && (outcome == dispatch.Terminate || outcome == dispatch.TerminateUpload) {
		ex := &host.Executor{DryRun: cfg.Dev.Enabled, Timeout: shutdownTimeout}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ex.Shutdown(sctx, cfg.ShutdownCommand); err != nil {
			return err
		}
	}
	return runErr
}

// newRobot opens the port, camera, classifier and journal. Anything opened
// before a failure is closed again.
func newRobot(cfg *config.Config) (_ *robot, err error) {
	r := &robot{cfg: cfg}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	fs := fsutil.OSFileSystem{}

	if r.port, r.tty, err = openPort(cfg); err != nil {
		return nil, err
	}
	if r.cam, err = openCamera(cfg, fs); err != nil {
		return nil, err
	}
	clf, err := openClassifier(cfg, fs)
	if err != nil {
		return nil, err
	}

	lease := &camera.Lease{}
	clock := timeutil.RealClock{}
	r.rec = recording.NewManager(cfg.Recording, fs, r.cam, lease, clock)
	r.ctl = autonomy.NewController(cfg.Inference.Config, r.cam, lease, clf, r.port, r.rec, fs, clock)

	if cfg.Journal.Path != "" {
		if r.journal, err = db.NewDB(cfg.Journal.Path); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if r.run, err = r.journal.BeginRun(r.tty, version.Version, clock.Now()); err != nil {
			return nil, err
		}
		r.rec.SetJournal(r.run)
		r.ctl.SetJournal(r.run)
		monitoring.Logf("Journaling run %s to %s", r.run.RunID(), cfg.Journal.Path)
	}
	return r, nil
}

func openPort(cfg *config.Config) (linkPort, string, error) {
	if cfg.Dev.Enabled {
		if cfg.Dev.Fixture == "" {
			return nil, "", errors.New("dev mode needs a fixture file of link lines")
		}
		m, err := serialmux.NewFixtureSerialMux(cfg.Dev.Fixture, cfg.Dev.Interval)
		if err != nil {
			return nil, "", err
		}
		return m, "fixture:" + cfg.Dev.Fixture, nil
	}

	tty, err := cfg.Serial.Device()
	if err != nil {
		return nil, "", err
	}
	m, err := serialmux.NewRealSerialMux(tty, cfg.Serial.PortOptions, cfg.Serial.ReadTimeout)
	if err != nil {
		return nil, "", err
	}
	return m, tty, nil
}

func openCamera(cfg *config.Config, fs fsutil.FileSystem) (camera.Device, error) {
	var cam camera.Device
	if cfg.Dev.Enabled {
		fake := camera.NewFakeDevice(fs)
		fake.StillDelay = cfg.Dev.Interval
		if fake.StillDelay <= 0 {
			fake.StillDelay = devStillDelay
		}
		cam = fake
	} else {
		c := camera.NewRPiCamera(fs)
		c.VideoBinary = cfg.Camera.VideoBinary
		c.StillBinary = cfg.Camera.StillBinary
		c.LEDPath = cfg.Camera.LEDPath
		cam = c
	}
	if err := cam.Configure(cfg.Camera.Settings); err != nil {
		cam.Close()
		return nil, fmt.Errorf("configure camera: %w", err)
	}
	return cam, nil
}

func openClassifier(cfg *config.Config, fs fsutil.FileSystem) (classifier.Classifier, error) {
	if cfg.Inference.Model != "" {
		m, err := classifier.LoadFile(fs, cfg.Inference.Model)
		if err != nil {
			return nil, err
		}
		monitoring.Logf("Loaded classifier %s", cfg.Inference.Model)
		return m, nil
	}
	label, err := link.ParseLabel(cfg.Inference.Constant)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("No model configured, autonomous mode drives %s", label)
	return classifier.Constant{Label: label}, nil
}

// serve runs the dispatcher, and the admin server when configured, until the
// link ends. It then stops any recording and returns to manual mode before
// recording the outcome.
func (r *robot) serve(ctx context.Context) (dispatch.Outcome, error) {
	var wg sync.WaitGroup
	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer func() {
		stopAdmin()
		wg.Wait()
	}()

	if r.cfg.Admin.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serveAdmin(adminCtx)
		}()
	}

	monitoring.Logf("Listening for link commands on %s", r.tty)
	outcome, err := dispatch.New(r.port, r.rec, r.ctl).Run(ctx)
	if err != nil {
		monitoring.Logf("link ended with error: %v", err)
	}

	if stopErr := r.rec.Stop(); stopErr != nil {
		monitoring.Logf("stop recording: %v", stopErr)
	}
	if modeErr := r.ctl.EnterManual(); modeErr != nil {
		monitoring.Logf("return to manual: %v", modeErr)
	}
	if r.run != nil {
		if finErr := r.run.Finish(outcome.String(), outcome.Upload(), time.Now()); finErr != nil {
			monitoring.Logf("journal finish: %v", finErr)
		}
	}
	if outcome.Upload() {
		monitoring.Logf("Recordings flagged for upload")
	}
	return outcome, err
}

func (r *robot) serveAdmin(ctx context.Context) {
	runID := ""
	if r.run != nil {
		runID = r.run.RunID()
	}
	mux := api.NewServer(r.ctl, r.rec, r.journal, runID).ServeMux()
	r.port.AttachAdminRoutes(mux)
	if r.journal != nil {
		if err := r.journal.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("journal admin routes: %v", err)
		}
	}

	server := &http.Server{
		Addr:    r.cfg.Admin.Listen,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("admin server: %v", err)
		}
	}()
	monitoring.Logf("Admin server listening on %s", r.cfg.Admin.Listen)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("admin server force close error: %v", err)
		}
	}
}

func (r *robot) close() {
	if r.port != nil {
		if err := r.port.Close(); err != nil {
			monitoring.Logf("close port: %v", err)
		}
	}
	if r.cam != nil {
		if err := r.cam.Close(); err != nil {
			monitoring.Logf("close camera: %v", err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			monitoring.Logf("close journal: %v", err)
		}
	}
}
