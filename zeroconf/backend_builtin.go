package zeroconf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

const (
	builtinDomain        = "local."
	builtinResolveWindow = 5 * time.Second
)

func init() {
	registerBackend("builtin", func(log rtspremote.Logger) (Client, error) {
		return NewBuiltinClient(log)
	})
}

// BuiltinClient implements Client using the grandcat/zeroconf library, which
// provides a pure-Go mDNS responder. There is no daemon behind it, so it is
// running as soon as it is created. Collisions are only detected between
// groups of the same client.
type BuiltinClient struct {
	log rtspremote.Logger

	resolver *zeroconf.Resolver

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup

	lock  sync.Mutex
	seen  map[string]*zeroconf.ServiceEntry
	names map[string]*builtinEntryGroup

	closeOnce sync.Once
}

func NewBuiltinClient(log rtspremote.Logger) (*BuiltinClient, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed creating mdns resolver: %w", err)
	}

	c := &BuiltinClient{
		log:      log,
		resolver: resolver,
		events:   make(chan Event, 16),
		stop:     make(chan struct{}),
		seen:     map[string]*zeroconf.ServiceEntry{},
		names:    map[string]*builtinEntryGroup{},
	}

	c.events <- ClientStateEvent{State: ClientStateRunning}
	return c, nil
}

func (c *BuiltinClient) Events() <-chan Event {
	return c.events
}

func (c *BuiltinClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// grandcatServiceType turns "_sub._sub._type._tcp" into the "_type._tcp,_sub"
// form understood by grandcat/zeroconf.
func grandcatServiceType(serviceType string) string {
	if idx := strings.Index(serviceType, "._sub."); idx >= 0 {
		return serviceType[idx+len("._sub."):] + "," + serviceType[:idx]
	}
	return serviceType
}

func entryHost(entry *zeroconf.ServiceEntry) string {
	if host := strings.TrimSuffix(entry.HostName, "."); len(host) > 0 {
		return host
	}
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return "[" + entry.AddrIPv6[0].String() + "]"
	}
	return ""
}

func (c *BuiltinClient) Browse(serviceType string) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())

	entries := make(chan *zeroconf.ServiceEntry)
	if err := c.resolver.Browse(ctx, grandcatServiceType(serviceType), builtinDomain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("failed browsing %s: %w", serviceType, err)
	}

	sub := &builtinSubscription{cancel: cancel, done: make(chan struct{})}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(sub.done)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				key := ServiceKey{
					Interface: -1,
					Protocol:  -1,
					Name:      entry.Instance,
					Type:      entry.Service,
					Domain:    strings.TrimSuffix(entry.Domain, "."),
				}

				c.lock.Lock()
				if entry.TTL == 0 {
					delete(c.seen, entry.Instance)
				} else {
					c.seen[entry.Instance] = entry
				}
				c.lock.Unlock()

				if entry.TTL == 0 {
					c.emit(BrowseEvent{Kind: BrowseRemove, Service: key})
				} else {
					c.emit(BrowseEvent{Kind: BrowseNew, Service: key})
				}
			}
		}
	}()

	return sub, nil
}

func (c *BuiltinClient) Resolve(key ServiceKey) error {
	c.lock.Lock()
	entry, ok := c.seen[key.Name]
	c.lock.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if !ok {
			var err error
			if entry, err = c.lookup(key); err != nil {
				c.emit(ResolveEvent{Service: key, Err: err})
				return
			}
		}

		c.emit(ResolveEvent{
			Service: key,
			Found:   true,
			Host:    entryHost(entry),
			Port:    uint16(entry.Port),
			Txt:     entry.Text,
		})
	}()

	return nil
}

func (c *BuiltinClient) lookup(key ServiceKey) (*zeroconf.ServiceEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), builtinResolveWindow)
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	if err := c.resolver.Lookup(ctx, key.Name, key.Type, builtinDomain, entries); err != nil {
		return nil, fmt.Errorf("failed looking up %s: %w", key.Name, err)
	}

	select {
	case entry := <-entries:
		if entry == nil {
			return nil, errors.New("lookup finished without answer")
		}
		return entry, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed resolving %s: %w", key.Name, ctx.Err())
	}
}

func (c *BuiltinClient) NewEntryGroup() (EntryGroup, error) {
	return &builtinEntryGroup{client: c}, nil
}

func (c *BuiltinClient) AlternativeServiceName(name string) string {
	return AlternativeServiceName(name)
}

func (c *BuiltinClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()

		c.lock.Lock()
		groups := make([]*builtinEntryGroup, 0, len(c.names))
		for _, g := range c.names {
			groups = append(groups, g)
		}
		c.lock.Unlock()

		for _, g := range groups {
			_ = g.Reset()
		}
	})
	return nil
}

type builtinSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *builtinSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

type builtinEntryGroup struct {
	client *BuiltinClient

	service  *Service
	subtypes []string
	server   *zeroconf.Server
}

func (g *builtinEntryGroup) AddService(svc Service) error {
	c := g.client

	c.lock.Lock()
	if other, ok := c.names[svc.Name]; ok && other != g && other.service.Type == svc.Type {
		c.lock.Unlock()
		return ErrCollision
	}
	c.names[svc.Name] = g
	c.lock.Unlock()

	g.service = &svc
	return nil
}

func (g *builtinEntryGroup) AddServiceSubtype(name, serviceType, domain, subtype string) error {
	if g.service == nil || g.service.Name != name || g.service.Type != serviceType {
		return fmt.Errorf("no service %s of type %s in group", name, serviceType)
	}

	if idx := strings.Index(subtype, "._sub."); idx >= 0 {
		subtype = subtype[:idx]
	}

	g.subtypes = append(g.subtypes, subtype)
	return nil
}

func (g *builtinEntryGroup) Commit() error {
	if g.service == nil {
		return errors.New("cannot commit empty entry group")
	}

	serviceType := strings.Join(append([]string{g.service.Type}, g.subtypes...), ",")

	domain := g.service.Domain
	if len(domain) == 0 {
		domain = builtinDomain
	}

	server, err := zeroconf.Register(g.service.Name, serviceType, domain, g.service.Port, g.service.Txt, nil)
	if err != nil {
		return fmt.Errorf("failed registering %s: %w", g.service.Name, err)
	}

	g.server = server

	// the responder announces right away, there is no probing phase to wait for
	g.client.wg.Add(1)
	go func() {
		defer g.client.wg.Done()
		g.client.emit(GroupStateEvent{Group: g, State: GroupStateEstablished})
	}()

	return nil
}

func (g *builtinEntryGroup) Reset() error {
	if g.server != nil {
		g.server.Shutdown()
		g.server = nil
	}

	if g.service != nil {
		g.client.lock.Lock()
		if g.client.names[g.service.Name] == g {
			delete(g.client.names, g.service.Name)
		}
		g.client.lock.Unlock()
	}

	g.service = nil
	g.subtypes = nil
	return nil
}

func (g *builtinEntryGroup) IsEmpty() bool {
	return g.service == nil
}

func (g *builtinEntryGroup) Free() error {
	return g.Reset()
}
