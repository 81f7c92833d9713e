package remote

import (
	"errors"
	"fmt"
	"sync"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"golang.org/x/exp/slices"
)

var (
	ErrSourceExists  = errors.New("source already exists")
	ErrSourceMissing = errors.New("source does not exist")
)

// Manager keeps the remote sources created by the user, keyed by service name.
type Manager struct {
	log rtspremote.Logger

	resolver Resolver
	sender   Sender

	lock    sync.RWMutex
	sources map[string]*Source
}

func NewManager(log rtspremote.Logger, resolver Resolver, sender Sender) *Manager {
	return &Manager{log: log, resolver: resolver, sender: sender, sources: map[string]*Source{}}
}

func (m *Manager) Add(serviceName string) (*Source, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.sources[serviceName]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceExists, serviceName)
	}

	source := NewSource(m.log.WithField("source", serviceName), m.resolver, m.sender, serviceName)
	m.sources[serviceName] = source
	return source, nil
}

func (m *Manager) Get(serviceName string) (*Source, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	source, ok := m.sources[serviceName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, serviceName)
	}
	return source, nil
}

// Remove drops a source, deactivating it first if needed.
func (m *Manager) Remove(serviceName string) error {
	m.lock.Lock()
	source, ok := m.sources[serviceName]
	delete(m.sources, serviceName)
	m.lock.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceMissing, serviceName)
	}

	if source.Active() {
		source.Deactivate()
	}
	return nil
}

// Names returns the service names of all sources, sorted.
func (m *Manager) Names() []string {
	m.lock.RLock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	m.lock.RUnlock()

	slices.Sort(names)
	return names
}

// Tick ticks every source and returns those whose url changed.
func (m *Manager) Tick() []*Source {
	m.lock.RLock()
	sources := make([]*Source, 0, len(m.sources))
	for _, source := range m.sources {
		sources = append(sources, source)
	}
	m.lock.RUnlock()

	var changed []*Source
	for _, source := range sources {
		if source.Tick() {
			changed = append(changed, source)
		}
	}

	slices.SortFunc(changed, func(a, b *Source) int {
		switch an, bn := a.ServiceName(), b.ServiceName(); {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	})
	return changed
}
