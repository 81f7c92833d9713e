package main

import (
	"os"
	"os/signal"

	"github.com/gofrs/flock"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/rtsp-remote/go-rtsp-remote/pipeline"
	"github.com/rtsp-remote/go-rtsp-remote/rtspserver"
	"github.com/rtsp-remote/go-rtsp-remote/zeroconf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type App struct {
	log rtspremote.Logger
	cfg *Config

	server    *rtspserver.Server
	publisher *zeroconf.ServicePublisher
}

func NewApp(cfg *Config) *App {
	return &App{log: rtspremote.NewLogrusAdapter(log.StandardLogger()), cfg: cfg}
}

func (app *App) newSource(path, launch, location string) (rtspserver.Source, error) {
	p, err := pipeline.New(app.log.WithField("module", "pipeline").WithField("path", path), launch, location)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (app *App) Run() error {
	app.server = rtspserver.NewServer(app.log.WithField("module", "rtsp"), app.cfg.Port, app.newSource, nil)
	if err := app.server.Start(); err != nil {
		return err
	}

	var err error
	app.publisher, err = zeroconf.NewPublisher(app.log.WithField("module", "zeroconf"), app.cfg.DiscoveryBackend, app.cfg.Port)
	if err != nil {
		return err
	}

	for _, stream := range app.cfg.Streams {
		if err := app.server.MountWithOptions(stream.Path, stream.Pipeline, rtspserver.MountOptions{
			IdleWhenInactive: stream.IdleWhenInactive,
		}); err != nil {
			return err
		}

		if len(stream.Publish) == 0 {
			continue
		}

		if err := app.publisher.AddStream(stream.Path, stream.Publish); err != nil {
			return err
		}
	}

	app.log.Infof("serving %d streams", len(app.cfg.Streams))
	return nil
}

func (app *App) Close() {
	if app.publisher != nil {
		app.publisher.Close()
	}
	if app.server != nil {
		app.server.Close()
	}
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	// parse and set log level
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	} else {
		log.SetLevel(logLevel)
	}

	log.Infof("running rtsp-sender (%s)", rtspremote.SystemInfoString())

	// only one sender may own the port and the advertised names
	lockFile := flock.New(cfg.LockFile)
	if ok, err := lockFile.TryLock(); err != nil {
		log.WithError(err).Fatalf("failed creating lock file %s", cfg.LockFile)
	} else if !ok {
		log.Fatalf("%s is locked by another instance", cfg.LockFile)
	}

	defer func() { _ = lockFile.Unlock() }()

	pipeline.Init()

	app := NewApp(cfg)
	if err := app.Run(); err != nil {
		app.Close()
		_ = lockFile.Unlock()
		log.WithError(err).Fatal("failed running rtsp-sender")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)

	sig := <-sigs
	log.Infof("received %s, shutting down", sig)

	app.Close()
}
