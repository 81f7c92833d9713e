package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/rtsp-remote/go-rtsp-remote/notify"
	"github.com/rtsp-remote/go-rtsp-remote/remote"
	"github.com/rtsp-remote/go-rtsp-remote/zeroconf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// serviceDirectory is the view of the discovered streams the api exposes.
type serviceDirectory interface {
	GetUri(name string) (string, uint64)
	GetStamp() uint64
	Records() []rtspremote.ServiceRecord
	Err() error
}

type eventEmitter interface {
	Emit(ev *ApiEvent)
}

type App struct {
	log rtspremote.Logger

	directory serviceDirectory
	manager   *remote.Manager
	events    eventEmitter

	lastStamp uint64
}

// NewApp wires the sources to directory and sender. A nil directory means
// discovery is unavailable, sources then never learn their url.
func NewApp(log rtspremote.Logger, directory serviceDirectory, sender remote.Sender, events eventEmitter) *App {
	app := &App{log: log, directory: directory, events: events}

	var resolver remote.Resolver
	if directory != nil {
		resolver = directory
	}

	app.manager = remote.NewManager(log.WithField("module", "remote"), resolver, sender)
	return app
}

func sourceResponse(source *remote.Source) *ApiResponseSource {
	return &ApiResponseSource{Name: source.ServiceName(), Url: source.URL(), Active: source.Active()}
}

func (app *App) services() *ApiResponseServices {
	resp := &ApiResponseServices{Services: []rtspremote.ServiceRecord{}}
	if app.directory == nil {
		resp.Error = zeroconf.ErrDiscoveryUnavailable.Error()
		return resp
	}

	resp.Stamp = app.directory.GetStamp()
	resp.Services = app.directory.Records()
	if err := app.directory.Err(); err != nil {
		resp.Error = err.Error()
	}

	return resp
}

func (app *App) getSource(name string) (*remote.Source, error) {
	source, err := app.manager.Get(name)
	if errors.Is(err, remote.ErrSourceMissing) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return source, err
}

func (app *App) handleApiRequest(req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeServices:
		return app.services(), nil
	case ApiRequestTypeService:
		name := req.Data.(string)
		if app.directory == nil {
			return nil, ErrNotFound
		}

		url, _ := app.directory.GetUri(name)
		if len(url) == 0 {
			return nil, fmt.Errorf("%w: service %s", ErrNotFound, name)
		}

		return &rtspremote.ServiceRecord{Name: name, URL: url}, nil
	case ApiRequestTypeSources:
		resp := make([]*ApiResponseSource, 0)
		for _, name := range app.manager.Names() {
			if source, err := app.manager.Get(name); err == nil {
				resp = append(resp, sourceResponse(source))
			}
		}

		return resp, nil
	case ApiRequestTypeCreateSource:
		data := req.Data.(ApiRequestDataCreateSource)
		source, err := app.manager.Add(data.Name)
		if errors.Is(err, remote.ErrSourceExists) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		} else if err != nil {
			return nil, err
		}

		return sourceResponse(source), nil
	case ApiRequestTypeDeleteSource:
		err := app.manager.Remove(req.Data.(string))
		if errors.Is(err, remote.ErrSourceMissing) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}

		return nil, err
	case ApiRequestTypeActivateSource, ApiRequestTypeDeactivateSource:
		source, err := app.getSource(req.Data.(string))
		if err != nil {
			return nil, err
		}

		if req.Type == ApiRequestTypeActivateSource {
			source.Activate()
		} else {
			source.Deactivate()
		}

		return sourceResponse(source), nil
	default:
		return nil, fmt.Errorf("%w: unknown request %s", ErrBadRequest, req.Type)
	}
}

// refresh publishes registry changes and moves sources whose stream url
// changed.
func (app *App) refresh() {
	if app.directory != nil {
		if stamp := app.directory.GetStamp(); stamp != app.lastStamp {
			app.lastStamp = stamp
			app.events.Emit(&ApiEvent{
				Type: ApiEventTypeServicesChanged,
				Data: ApiEventDataServicesChanged(*app.services()),
			})
		}
	}

	for _, source := range app.manager.Tick() {
		app.events.Emit(&ApiEvent{
			Type: ApiEventTypeSourceUrl,
			Data: ApiEventDataSourceUrl(*sourceResponse(source)),
		})
	}
}

func (app *App) Run(ctx context.Context, requests <-chan ApiRequest, refreshInterval time.Duration) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			req.Reply(app.handleApiRequest(req))
		case <-ticker.C:
			app.refresh()
		}
	}
}

// Close deactivates every source still active.
func (app *App) Close() {
	for _, name := range app.manager.Names() {
		_ = app.manager.Remove(name)
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

	logger := rtspremote.NewLogrusAdapter(log.StandardLogger())
	logger.Infof("running rtsp-browse (%s)", rtspremote.SystemInfoString())

	var directory serviceDirectory
	browser, err := zeroconf.NewBrowser(logger.WithField("module", "zeroconf"), cfg.DiscoveryBackend)
	if err != nil {
		logger.WithError(err).Errorf("failed setting up service browser, continuing without discovery")
	} else {
		directory = browser
		defer browser.Close()
	}

	notifier := notify.NewNotifier(logger.WithField("module", "notify"),
		notify.WithProtocol(cfg.NotifyProtocol),
		notify.WithTimeout(cfg.NotifyTimeout))
	defer notifier.Close()

	// create api server if needed
	var server *ApiServer
	if cfg.ApiPort != 0 {
		server, err = NewApiServer(logger.WithField("module", "api"), cfg.ApiAddress, cfg.ApiPort, cfg.AllowOrigin)
		if err != nil {
			log.WithError(err).Fatal("failed creating api server")
		}
	} else {
		server = NewStubApiServer(logger.WithField("module", "api"))
	}

	defer server.Close()

	app := NewApp(logger, directory, notifier, server)
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	app.Run(ctx, server.Receive(), cfg.RefreshInterval)
	logger.Infof("shutting down")
}
