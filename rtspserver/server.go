package rtspserver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

var (
	ErrMountExists = errors.New("mount path already in use")
	errNotStarted  = errors.New("rtsp server not started")
)

// Source feeds a mount by publishing into it.
type Source interface {
	SetActive(active bool) error
	Close() error
}

// SourceFactory starts a source running launch and publishing to location.
type SourceFactory func(path, launch, location string) (Source, error)

type MountOptions struct {
	// IdleWhenInactive stops the source while no viewer is active.
	IdleWhenInactive bool
}

type mount struct {
	path   string
	launch string
	opts   MountOptions
	source Source

	active    bool
	publisher *gortsplib.ServerSession
	stream    *gortsplib.ServerStream
	medias    []*description.Media
}

// Server is an RTSP relay. Every mount is fed by a local source publishing to
// it and read by any number of clients.
type Server struct {
	log rtspremote.Logger

	port       int
	factory    SourceFactory
	onActivity ActivityFunc

	srv         *gortsplib.Server
	interceptor *Interceptor

	lock   sync.Mutex
	mounts map[string]*mount
}

// NewServer prepares a relay listening on port. onActivity, if set, is told
// about every activity notification after the mount itself reacted to it.
func NewServer(log rtspremote.Logger, port int, factory SourceFactory, onActivity ActivityFunc) *Server {
	s := &Server{
		log:        log,
		port:       port,
		factory:    factory,
		onActivity: onActivity,
		mounts:     map[string]*mount{},
	}

	s.interceptor = NewInterceptor(log, s.handleActivity)
	return s
}

func (s *Server) Start() error {
	s.srv = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: fmt.Sprintf(":%d", s.port),
		Listen: func(network, address string) (net.Listener, error) {
			ln, err := net.Listen(network, address)
			if err != nil {
				return nil, err
			}

			return newSniffListener(s.log, ln, s.interceptor), nil
		},
	}

	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("failed starting rtsp server: %w", err)
	}

	s.log.Infof("rtsp server listening on port %d", s.port)
	return nil
}

// normalizePath turns request paths into the "/name" form used by mounts.
func normalizePath(path string) string {
	return "/" + strings.Trim(path, "/")
}

// Location is the url sources publish to for a mount path.
func (s *Server) Location(path string) string {
	return fmt.Sprintf("rtsp://127.0.0.1:%d%s", s.port, normalizePath(path))
}

// Mount serves the output of the pipeline description launch at path.
func (s *Server) Mount(path, launch string) error {
	return s.MountWithOptions(path, launch, MountOptions{})
}

func (s *Server) MountWithOptions(path, launch string, opts MountOptions) error {
	if s.srv == nil {
		return errNotStarted
	}

	path = normalizePath(path)

	s.lock.Lock()
	if _, ok := s.mounts[path]; ok {
		s.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrMountExists, path)
	}

	m := &mount{path: path, launch: launch, opts: opts}
	s.mounts[path] = m
	s.lock.Unlock()

	source, err := s.factory(path, launch, s.Location(path))
	if err != nil {
		s.lock.Lock()
		delete(s.mounts, path)
		s.lock.Unlock()
		return fmt.Errorf("failed starting source for %s: %w", path, err)
	}

	s.lock.Lock()
	m.source = source
	s.lock.Unlock()

	s.log.Infof("mounted %s", path)
	return nil
}

// Mounts lists the mounted paths.
func (s *Server) Mounts() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	paths := make([]string, 0, len(s.mounts))
	for path := range s.mounts {
		paths = append(paths, path)
	}
	return paths
}

func (s *Server) handleActivity(path string, active bool) {
	s.lock.Lock()
	m, ok := s.mounts[normalizePath(path)]
	var source Source
	if ok {
		m.active = active
		if m.opts.IdleWhenInactive && m.stream != nil {
			source = m.source
		}
	}
	s.lock.Unlock()

	if !ok {
		s.log.Warnf("activity reported for unknown stream %s", path)
	} else if source != nil {
		if err := source.SetActive(active); err != nil {
			s.log.WithError(err).Warnf("failed switching source of %s", path)
		}
	}

	if s.onActivity != nil {
		s.onActivity(path, active)
	}
}

func (s *Server) Close() {
	s.lock.Lock()
	mounts := make([]*mount, 0, len(s.mounts))
	for _, m := range s.mounts {
		mounts = append(mounts, m)
	}
	s.mounts = map[string]*mount{}
	s.lock.Unlock()

	for _, m := range mounts {
		if m.source != nil {
			if err := m.source.Close(); err != nil {
				s.log.WithError(err).Warnf("failed closing source of %s", m.path)
			}
		}
	}

	if s.srv != nil {
		s.srv.Close()
	}

	for _, m := range mounts {
		if m.stream != nil {
			m.stream.Close()
		}
	}
}

func (s *Server) lookup(path string) *mount {
	return s.mounts[normalizePath(path)]
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.log.Infof("received connection from %s", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.log.WithError(ctx.Error).Infof("closed connection from %s", ctx.Conn.NetConn().RemoteAddr())
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, m := range s.mounts {
		if m.publisher == ctx.Session {
			m.publisher = nil
			s.log.Debugf("source of %s stopped publishing", m.path)
		}
	}
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe.
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	m := s.lookup(ctx.Path)
	if m == nil || m.stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	return &base.Response{StatusCode: base.StatusOK}, m.stream, nil
}

// OnAnnounce implements gortsplib.ServerHandlerOnAnnounce.
func (s *Server) OnAnnounce(ctx *gortsplib.ServerHandlerOnAnnounceCtx) (*base.Response, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	m := s.lookup(ctx.Path)
	if m == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	} else if m.publisher != nil {
		return &base.Response{StatusCode: base.StatusBadRequest}, fmt.Errorf("%s is already being published", m.path)
	}

	// readers stay attached across source restarts as long as the layout holds
	if m.stream != nil && len(m.medias) != len(ctx.Description.Medias) {
		m.stream.Close()
		m.stream = nil
	}

	if m.stream == nil {
		m.stream = gortsplib.NewServerStream(s.srv, ctx.Description)
		m.medias = ctx.Description.Medias
	}

	m.publisher = ctx.Session
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup.
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Session.State() == gortsplib.ServerSessionStatePreRecord {
		return &base.Response{StatusCode: base.StatusOK}, nil, nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	m := s.lookup(ctx.Path)
	if m == nil || m.stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}

	return &base.Response{StatusCode: base.StatusOK}, m.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.log.Debugf("client %s is reading %s", ctx.Conn.NetConn().RemoteAddr(), normalizePath(ctx.Path))
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnRecord implements gortsplib.ServerHandlerOnRecord.
func (s *Server) OnRecord(ctx *gortsplib.ServerHandlerOnRecordCtx) (*base.Response, error) {
	s.lock.Lock()
	m := s.lookup(ctx.Path)
	if m == nil || m.publisher != ctx.Session {
		s.lock.Unlock()
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}

	stream := m.stream
	targets := map[*description.Media]*description.Media{}
	for i, medi := range ctx.Session.AnnouncedDescription().Medias {
		targets[medi] = m.medias[i]
	}

	idle := m.opts.IdleWhenInactive && !m.active
	source := m.source
	s.lock.Unlock()

	ctx.Session.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		if err := stream.WritePacketRTP(targets[medi], pkt); err != nil {
			s.log.WithError(err).Tracef("failed relaying packet")
		}
	})

	if idle && source != nil {
		// the stream layout is known now, nobody needs the data yet
		go func() {
			if err := source.SetActive(false); err != nil {
				s.log.WithError(err).Warnf("failed idling source of %s", m.path)
			}
		}()
	}

	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnSetParameter implements gortsplib.ServerHandlerOnSetParameter.
func (s *Server) OnSetParameter(ctx *gortsplib.ServerHandlerOnSetParameterCtx) (*base.Response, error) {
	s.interceptor.Intercept(ctx.Request, normalizePath(ctx.Path))
	return &base.Response{StatusCode: base.StatusOK}, nil
}
