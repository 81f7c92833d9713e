package zeroconf

import (
	"errors"
	"fmt"
	"sync"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

var ErrDuplicatePath = errors.New("stream path already published")

// maxRenames bounds the synchronous collision loop of a single registration.
const maxRenames = 64

type EntryState int

const (
	EntryStateUnregistered EntryState = iota
	EntryStateRegistering
	EntryStateEstablished
	EntryStateColliding
)

func (s EntryState) String() string {
	switch s {
	case EntryStateUnregistered:
		return "unregistered"
	case EntryStateRegistering:
		return "registering"
	case EntryStateEstablished:
		return "established"
	case EntryStateColliding:
		return "colliding"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PublishedService is a snapshot of one advertised stream.
type PublishedService struct {
	Path  string     `json:"path"`
	Name  string     `json:"name"`
	State EntryState `json:"state"`
}

type publishedEntry struct {
	path  string
	name  string
	group EntryGroup
	state EntryState
}

// ServicePublisher advertises local streams under unique names. Every entry is
// owned by the publisher loop, callers reach it through exec.
type ServicePublisher struct {
	log rtspremote.Logger

	client Client
	port   int

	// state below is owned by the loop goroutine
	running bool
	failed  bool
	entries []*publishedEntry

	reqs      chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher opens the named discovery backend and advertises on it the
// streams served on port.
func NewPublisher(log rtspremote.Logger, backend string, port int) (*ServicePublisher, error) {
	client, err := NewClient(log, backend)
	if err != nil {
		return nil, err
	}

	return OpenPublisher(log, client, port)
}

// OpenPublisher starts advertising on an already opened client, the publisher
// takes ownership of it.
func OpenPublisher(log rtspremote.Logger, client Client, port int) (*ServicePublisher, error) {
	p := &ServicePublisher{
		log:    log,
		client: client,
		port:   port,
		reqs:   make(chan func()),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go p.loop()
	return p, nil
}

// exec runs fn on the loop goroutine and waits for it. It reports false if
// the loop is gone.
func (p *ServicePublisher) exec(fn func()) bool {
	finished := make(chan struct{})
	select {
	case p.reqs <- func() { fn(); close(finished) }:
		<-finished
		return true
	case <-p.done:
		return false
	}
}

func (p *ServicePublisher) loop() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		case fn := <-p.reqs:
			if fn(); p.failed {
				return
			}
		case ev, ok := <-p.client.Events():
			if !ok {
				p.log.Errorf("discovery client went away, service publisher stopped")
				return
			}

			if !p.handle(ev) {
				return
			}
		}
	}
}

func (p *ServicePublisher) handle(ev Event) bool {
	switch ev := ev.(type) {
	case ClientStateEvent:
		return p.handleClientState(ev)
	case GroupStateEvent:
		return p.handleGroupState(ev)
	}

	return true
}

func (p *ServicePublisher) handleClientState(ev ClientStateEvent) bool {
	p.log.Debugf("discovery client state: %s", ev.State)

	switch ev.State {
	case ClientStateRunning:
		p.running = true
		for _, entry := range p.entries {
			if entry.state == EntryStateEstablished {
				continue
			}

			if !p.register(entry) {
				return false
			}
		}
	case ClientStateRegistering, ClientStateCollision:
		// the host name changed, everything has to be announced again
		p.running = false
		for _, entry := range p.entries {
			if entry.group != nil {
				if err := entry.group.Reset(); err != nil {
					p.log.WithError(err).Warnf("failed resetting entry group for %s", entry.path)
				}
			}
			entry.state = EntryStateUnregistered
		}
	case ClientStateConnecting:
		// groups died with the previous daemon instance
		p.running = false
		for _, entry := range p.entries {
			if entry.group != nil {
				_ = entry.group.Free()
				entry.group = nil
			}
			entry.state = EntryStateUnregistered
		}
	case ClientStateFailure:
		if ev.Err != nil {
			p.log.WithError(ev.Err).Errorf("discovery client failure, service publisher stopped")
		} else {
			p.log.Errorf("discovery client failure, service publisher stopped")
		}
		return false
	}

	return true
}

func (p *ServicePublisher) findGroup(group EntryGroup) *publishedEntry {
	for _, entry := range p.entries {
		if entry.group != nil && entry.group == group {
			return entry
		}
	}
	return nil
}

func (p *ServicePublisher) handleGroupState(ev GroupStateEvent) bool {
	entry := p.findGroup(ev.Group)
	if entry == nil {
		return true
	}

	switch ev.State {
	case GroupStateEstablished:
		entry.state = EntryStateEstablished
		p.log.Infof("stream %s published as %s", entry.path, entry.name)
	case GroupStateCollision:
		entry.state = EntryStateColliding
		newName := p.client.AlternativeServiceName(entry.name)
		p.log.Warnf("service name collision for %s, renaming to %s", entry.name, newName)
		entry.name = newName

		if err := entry.group.Reset(); err != nil {
			p.log.WithError(err).Warnf("failed resetting entry group for %s", entry.path)
		}

		return p.register(entry)
	case GroupStateFailure:
		p.log.WithError(ev.Err).Errorf("entry group failure for %s, service publisher stopped", entry.path)
		return false
	}

	return true
}

// register advertises entry, renaming it on every local collision. It reports
// false if the loop has to stop.
func (p *ServicePublisher) register(entry *publishedEntry) bool {
	if entry.group == nil {
		group, err := p.client.NewEntryGroup()
		if err != nil {
			p.log.WithError(err).Errorf("failed creating entry group for %s, service publisher stopped", entry.path)
			return false
		}

		entry.group = group
	}

	if !entry.group.IsEmpty() {
		return true
	}

	for renames := 0; ; renames++ {
		err := entry.group.AddService(Service{
			Name:   entry.name,
			Type:   rtspremote.ServiceType,
			Domain: rtspremote.ServiceDomain,
			Port:   p.port,
			Txt:    []string{rtspremote.TxtPathRecord(entry.path)},
		})
		if err == nil {
			break
		} else if !errors.Is(err, ErrCollision) {
			p.log.WithError(err).Errorf("failed adding service %s, service publisher stopped", entry.name)
			return false
		} else if renames >= maxRenames {
			p.log.Errorf("no free name left for %s after %d renames, service publisher stopped", entry.path, renames)
			return false
		}

		newName := p.client.AlternativeServiceName(entry.name)
		p.log.Warnf("service name collision for %s, renaming to %s", entry.name, newName)
		entry.name = newName

		if err := entry.group.Reset(); err != nil {
			p.log.WithError(err).Warnf("failed resetting entry group for %s", entry.path)
		}
	}

	if err := entry.group.AddServiceSubtype(entry.name, rtspremote.ServiceType, rtspremote.ServiceDomain, rtspremote.ServiceSubtype); err != nil {
		p.log.WithError(err).Errorf("failed adding service subtype for %s, service publisher stopped", entry.name)
		return false
	}

	if err := entry.group.Commit(); err != nil {
		p.log.WithError(err).Errorf("failed committing entry group for %s, service publisher stopped", entry.name)
		return false
	}

	entry.state = EntryStateRegistering
	return true
}

// AddStream advertises the stream mounted at path under name. If the
// discovery client is not running yet the registration is deferred.
func (p *ServicePublisher) AddStream(path, name string) error {
	var err error
	ok := p.exec(func() {
		for _, entry := range p.entries {
			if entry.path == path {
				p.log.Warnf("stream %s already published as %s", path, entry.name)
				err = fmt.Errorf("%w: %s", ErrDuplicatePath, path)
				return
			}
		}

		entry := &publishedEntry{path: path, name: name, state: EntryStateUnregistered}
		p.entries = append(p.entries, entry)

		if p.running && !p.register(entry) {
			p.failed = true
			err = fmt.Errorf("%w: failed advertising %s", ErrDiscoveryUnavailable, path)
		}
	})
	if !ok {
		return fmt.Errorf("%w: service publisher stopped", ErrDiscoveryUnavailable)
	}

	return err
}

// Published returns a snapshot of every stream added so far.
func (p *ServicePublisher) Published() []PublishedService {
	var out []PublishedService
	p.exec(func() {
		out = make([]PublishedService, 0, len(p.entries))
		for _, entry := range p.entries {
			out = append(out, PublishedService{Path: entry.path, Name: entry.name, State: entry.state})
		}
	})

	return out
}

// Close withdraws every advertisement and stops the loop.
func (p *ServicePublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done

		for _, entry := range p.entries {
			if entry.group != nil {
				if err := entry.group.Free(); err != nil {
					p.log.WithError(err).Warnf("failed freeing entry group for %s", entry.path)
				}
				entry.group = nil
			}
		}

		_ = p.client.Close()
	})
}
