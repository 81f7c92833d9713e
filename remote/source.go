package remote

import (
	"sync"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

// Resolver looks up stream urls by service name. The stamp changes whenever
// the set of known services does.
type Resolver interface {
	GetUri(name string) (string, uint64)
	GetStamp() uint64
}

// Sender delivers activity notifications to stream producers.
type Sender interface {
	Send(url string, active bool)
}

// Source follows one advertised stream by name and tells its producer when
// it is being watched.
type Source struct {
	log rtspremote.Logger

	resolver Resolver
	sender   Sender

	lock        sync.Mutex
	serviceName string
	url         string
	lastStamp   uint64
	active      bool
}

// NewSource creates a source for serviceName. A nil resolver leaves the url
// unknown, a nil sender disables notifications.
func NewSource(log rtspremote.Logger, resolver Resolver, sender Sender, serviceName string) *Source {
	s := &Source{log: log, resolver: resolver, sender: sender}
	s.Update(serviceName)
	return s
}

// setURL switches to url moving an ongoing activation along. Called with
// the lock held.
func (s *Source) setURL(url string) bool {
	if url == s.url {
		return false
	}

	if s.active {
		s.send(s.url, false)
		s.send(url, true)
	}

	s.url = url
	return true
}

func (s *Source) send(url string, active bool) {
	if len(url) == 0 || s.sender == nil {
		return
	}
	s.sender.Send(url, active)
}

// Update follows serviceName from now on.
func (s *Source) Update(serviceName string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.serviceName = serviceName

	var url string
	if s.resolver != nil {
		url, s.lastStamp = s.resolver.GetUri(serviceName)
	}

	s.setURL(url)
	s.log.Infof("rtsp url for %s is %s", serviceName, url)
}

// Tick checks whether the known services changed since the last lookup and
// reports whether the url of this source changed with them.
func (s *Source) Tick() bool {
	if s.resolver == nil {
		return false
	}

	// quick check before taking the registry lock for a lookup
	stamp := s.resolver.GetStamp()

	s.lock.Lock()
	defer s.lock.Unlock()

	if stamp == s.lastStamp {
		return false
	}

	var url string
	url, s.lastStamp = s.resolver.GetUri(s.serviceName)
	if !s.setURL(url) {
		return false
	}

	s.log.Infof("rtsp url for %s changed to %s", s.serviceName, url)
	return true
}

func (s *Source) Activate() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.active = true
	s.send(s.url, true)
}

func (s *Source) Deactivate() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.active = false
	s.send(s.url, false)
}

func (s *Source) URL() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.url
}

func (s *Source) ServiceName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.serviceName
}

func (s *Source) Active() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.active
}
