//go:build linux

package zeroconf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

const (
	avahiService         = "org.freedesktop.Avahi"
	avahiServerPath      = "/"
	avahiServerIface     = "org.freedesktop.Avahi.Server"
	avahiEntryGroupIface = "org.freedesktop.Avahi.EntryGroup"
	avahiBrowserIface    = "org.freedesktop.Avahi.ServiceBrowser"
	avahiResolverIface   = "org.freedesktop.Avahi.ServiceResolver"

	avahiCollisionError = "org.freedesktop.Avahi.CollisionError"

	dbusIface = "org.freedesktop.DBus"

	// Avahi constants
	avahiIfUnspec    = int32(-1) // AVAHI_IF_UNSPEC - use all interfaces
	avahiProtoUnspec = int32(-1) // AVAHI_PROTO_UNSPEC - use both IPv4 and IPv6
)

func init() {
	registerBackend("avahi", func(log rtspremote.Logger) (Client, error) {
		return NewAvahiClient(log)
	})
}

// AvahiClient implements Client on top of avahi-daemon via D-Bus. This allows
// sharing the mDNS responder with other services on the system instead of
// running our own.
//
// When the daemon is not running the client stays in the connecting state
// until it appears on the bus. Objects created before the daemon went away
// are invalidated and reported through the connecting state.
type AvahiClient struct {
	log rtspremote.Logger

	conn    *dbus.Conn
	server  dbus.BusObject
	version string

	signals chan *dbus.Signal
	events  chan Event
	stop    chan struct{}
	done    chan struct{}

	// godbus delivers on a goroutine per signal once signals is full, which
	// may reorder them. pump keeps signals empty by moving everything to queue.
	queueLock   sync.Mutex
	queue       []*dbus.Signal
	queueClosed bool
	queueWake   chan struct{}
	pumpDone    chan struct{}

	// lock guards the object maps. It is held across the D-Bus call creating an
	// object so that its first signal cannot be dispatched before it is known.
	lock      sync.Mutex
	browsers  map[dbus.ObjectPath]*avahiSubscription
	resolvers map[dbus.ObjectPath]ServiceKey
	groups    map[dbus.ObjectPath]*avahiEntryGroup

	closeOnce sync.Once
}

// NewAvahiClient connects to the system bus and starts following the state
// of avahi-daemon. It fails only if the system bus itself is unreachable.
func NewAvahiClient(log rtspremote.Logger) (*AvahiClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	c := &AvahiClient{
		log:       log,
		conn:      conn,
		server:    conn.Object(avahiService, avahiServerPath),
		signals:   make(chan *dbus.Signal, 64),
		events:    make(chan Event, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		queueWake: make(chan struct{}, 1),
		pumpDone:  make(chan struct{}),
		browsers:  map[dbus.ObjectPath]*avahiSubscription{},
		resolvers: map[dbus.ObjectPath]ServiceKey{},
		groups:    map[dbus.ObjectPath]*avahiEntryGroup{},
	}

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(avahiService), dbus.WithMatchInterface(avahiServerIface)},
		{dbus.WithMatchSender(avahiService), dbus.WithMatchInterface(avahiBrowserIface)},
		{dbus.WithMatchSender(avahiService), dbus.WithMatchInterface(avahiResolverIface)},
		{dbus.WithMatchSender(avahiService), dbus.WithMatchInterface(avahiEntryGroupIface)},
		{dbus.WithMatchInterface(dbusIface), dbus.WithMatchMember("NameOwnerChanged"), dbus.WithMatchArg(0, avahiService)},
	}
	for _, opts := range matches {
		if err := conn.AddMatchSignal(opts...); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed adding avahi signal match: %w", err)
		}
	}

	conn.Signal(c.signals)

	// the initial state is queued before any signal can be dispatched
	state, err := c.fetchState()
	if err != nil {
		log.WithError(err).Infof("avahi-daemon not available, waiting for it to appear")
		state = ClientStateConnecting
	} else {
		c.version = getAvahiVersion(c.server)
		log.Debugf("connected to avahi-daemon %s", c.version)
	}
	c.events <- ClientStateEvent{State: state}

	go c.pump()
	go c.dispatch()
	return c, nil
}

// getAvahiVersion attempts to retrieve the avahi-daemon version.
// Returns "unknown" if version cannot be determined.
func getAvahiVersion(server dbus.BusObject) string {
	// GetVersionString is available in every avahi release with the D-Bus API
	var versionStr string
	if err := server.Call(avahiServerIface+".GetVersionString", 0).Store(&versionStr); err == nil {
		return versionStr
	}

	var apiVersion uint32
	if err := server.Call(avahiServerIface+".GetAPIVersion", 0).Store(&apiVersion); err == nil {
		return fmt.Sprintf("API v%d", apiVersion)
	}

	return "unknown"
}

func (c *AvahiClient) Version() string {
	return c.version
}

func (c *AvahiClient) fetchState() (ClientState, error) {
	var state int32
	if err := c.server.Call(avahiServerIface+".GetState", 0).Store(&state); err != nil {
		return ClientStateFailure, fmt.Errorf("failed getting avahi server state: %w", err)
	}

	return serverState(state), nil
}

// serverState maps AvahiServerState as exposed over D-Bus.
func serverState(state int32) ClientState {
	switch state {
	case 0: // AVAHI_SERVER_INVALID
		return ClientStateConnecting
	case 1:
		return ClientStateRegistering
	case 2:
		return ClientStateRunning
	case 3:
		return ClientStateCollision
	default:
		return ClientStateFailure
	}
}

func entryGroupState(state int32) GroupState {
	switch state {
	case 0:
		return GroupStateUncommitted
	case 1:
		return GroupStateRegistering
	case 2:
		return GroupStateEstablished
	case 3:
		return GroupStateCollision
	default:
		return GroupStateFailure
	}
}

func isCollision(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == avahiCollisionError
	}

	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name == avahiCollisionError
	}

	return false
}

func signalError(body []interface{}, idx int) error {
	if len(body) > idx {
		if msg, ok := body[idx].(string); ok && len(msg) > 0 {
			return errors.New(msg)
		}
	}
	return nil
}

func (c *AvahiClient) Events() <-chan Event {
	return c.events
}

func (c *AvahiClient) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func (c *AvahiClient) pump() {
	defer close(c.pumpDone)

	for {
		select {
		case <-c.stop:
			return
		case sig, ok := <-c.signals:
			c.queueLock.Lock()
			if ok {
				c.queue = append(c.queue, sig)
			} else {
				c.queueClosed = true
			}
			c.queueLock.Unlock()

			select {
			case c.queueWake <- struct{}{}:
			default:
			}

			if !ok {
				return
			}
		}
	}
}

// next pops the oldest queued signal. closed is set once the queue is
// drained and the bus connection is gone.
func (c *AvahiClient) next() (sig *dbus.Signal, closed bool) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	if len(c.queue) == 0 {
		return nil, c.queueClosed
	}

	sig = c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return sig, false
}

func (c *AvahiClient) dispatch() {
	defer close(c.done)

	for {
		sig, closed := c.next()
		if closed {
			c.emit(ClientStateEvent{State: ClientStateFailure, Err: errors.New("system bus connection closed")})
			return
		} else if sig == nil {
			select {
			case <-c.stop:
				return
			case <-c.queueWake:
				continue
			}
		}

		ev := c.translate(sig)
		if ev == nil {
			continue
		}

		if !c.emit(ev) {
			return
		}
	}
}

func (c *AvahiClient) translate(sig *dbus.Signal) Event {
	iface, member := splitSignalName(sig.Name)

	switch iface {
	case dbusIface:
		return c.handleOwnerChanged(sig)
	case avahiServerIface:
		if member != "StateChanged" || len(sig.Body) < 1 {
			return nil
		}

		state, _ := sig.Body[0].(int32)
		return ClientStateEvent{State: serverState(state), Err: signalError(sig.Body, 1)}
	case avahiBrowserIface:
		c.lock.Lock()
		sub, ok := c.browsers[sig.Path]
		c.lock.Unlock()
		if !ok {
			return nil
		}

		return sub.translate(member, sig.Body)
	case avahiResolverIface:
		c.lock.Lock()
		key, ok := c.resolvers[sig.Path]
		if ok {
			// resolvers are one-shot: the first answer releases them
			delete(c.resolvers, sig.Path)
		}
		c.lock.Unlock()
		if !ok {
			return nil
		}

		_ = c.conn.Object(avahiService, sig.Path).Call(avahiResolverIface+".Free", 0).Err
		return translateResolve(key, member, sig.Body)
	case avahiEntryGroupIface:
		if member != "StateChanged" || len(sig.Body) < 1 {
			return nil
		}

		c.lock.Lock()
		group, ok := c.groups[sig.Path]
		c.lock.Unlock()
		if !ok {
			return nil
		}

		state, _ := sig.Body[0].(int32)
		return GroupStateEvent{Group: group, State: entryGroupState(state), Err: signalError(sig.Body, 1)}
	}

	return nil
}

func (c *AvahiClient) handleOwnerChanged(sig *dbus.Signal) Event {
	if len(sig.Body) < 3 {
		return nil
	}

	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name != avahiService {
		return nil
	}

	if len(newOwner) == 0 {
		c.log.Warnf("avahi-daemon disappeared from the bus")

		// pending resolves are settled before the state change
		for _, key := range c.invalidate() {
			if !c.emit(ResolveEvent{Service: key, Err: errResolveAbandoned}) {
				return nil
			}
		}

		return ClientStateEvent{State: ClientStateConnecting, Err: errors.New("avahi-daemon disconnected")}
	}

	// the daemon may take a moment before answering after claiming its name
	var state ClientState
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(func() (err error) {
		state, err = c.fetchState()
		return err
	}, b); err != nil {
		return ClientStateEvent{State: ClientStateFailure, Err: err}
	}

	c.version = getAvahiVersion(c.server)
	c.log.Infof("avahi-daemon %s appeared on the bus", c.version)
	return ClientStateEvent{State: state}
}

// invalidate forgets every object owned by a daemon instance that went away.
// It returns the keys of the resolves left unanswered.
func (c *AvahiClient) invalidate() []ServiceKey {
	c.lock.Lock()
	defer c.lock.Unlock()

	for path, sub := range c.browsers {
		sub.invalid = true
		delete(c.browsers, path)
	}
	var pending []ServiceKey
	for path, key := range c.resolvers {
		pending = append(pending, key)
		delete(c.resolvers, path)
	}
	for path, group := range c.groups {
		group.invalid = true
		delete(c.groups, path)
	}

	return pending
}

func splitSignalName(name string) (string, string) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

func (c *AvahiClient) Browse(serviceType string) (Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var path dbus.ObjectPath
	if err := c.server.Call(avahiServerIface+".ServiceBrowserNew", 0,
		avahiIfUnspec,    // interface
		avahiProtoUnspec, // protocol
		serviceType,      // service type
		"",               // domain (empty = default)
		uint32(0),        // flags
	).Store(&path); err != nil {
		return nil, fmt.Errorf("failed creating service browser: %w", err)
	}

	sub := &avahiSubscription{client: c, path: path, obj: c.conn.Object(avahiService, path)}
	c.browsers[path] = sub
	return sub, nil
}

func (c *AvahiClient) Resolve(key ServiceKey) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var path dbus.ObjectPath
	if err := c.server.Call(avahiServerIface+".ServiceResolverNew", 0,
		key.Interface,
		key.Protocol,
		key.Name,
		key.Type,
		key.Domain,
		avahiProtoUnspec, // address protocol
		uint32(0),        // flags
	).Store(&path); err != nil {
		return fmt.Errorf("failed creating service resolver: %w", err)
	}

	c.resolvers[path] = key
	return nil
}

func translateResolve(key ServiceKey, member string, body []interface{}) Event {
	switch member {
	case "Found":
		// iissssisqaayu
		if len(body) < 10 {
			return ResolveEvent{Service: key, Err: errors.New("malformed resolver answer")}
		}

		host, _ := body[5].(string)
		port, _ := body[8].(uint16)
		raw, _ := body[9].([][]byte)

		txt := make([]string, 0, len(raw))
		for _, t := range raw {
			txt = append(txt, string(t))
		}

		return ResolveEvent{Service: key, Found: true, Host: host, Port: port, Txt: txt}
	case "Failure":
		err := signalError(body, 0)
		if err == nil {
			err = errors.New("resolver failure")
		}
		return ResolveEvent{Service: key, Err: err}
	default:
		return nil
	}
}

func (c *AvahiClient) NewEntryGroup() (EntryGroup, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var path dbus.ObjectPath
	if err := c.server.Call(avahiServerIface+".EntryGroupNew", 0).Store(&path); err != nil {
		return nil, fmt.Errorf("failed to create entry group: %w", err)
	}

	group := &avahiEntryGroup{client: c, path: path, obj: c.conn.Object(avahiService, path)}
	c.groups[path] = group
	return group, nil
}

func (c *AvahiClient) AlternativeServiceName(name string) string {
	var alt string
	if err := c.server.Call(avahiServerIface+".GetAlternativeServiceName", 0, name).Store(&alt); err != nil || alt == name {
		return AlternativeServiceName(name)
	}

	return alt
}

func (c *AvahiClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		<-c.pumpDone

		c.conn.RemoveSignal(c.signals)
		_ = c.conn.Close()
	})
	return nil
}

type avahiSubscription struct {
	client  *AvahiClient
	path    dbus.ObjectPath
	obj     dbus.BusObject
	invalid bool
}

func (s *avahiSubscription) translate(member string, body []interface{}) Event {
	key := func() ServiceKey {
		// iisssu
		if len(body) < 5 {
			return ServiceKey{}
		}

		iface, _ := body[0].(int32)
		proto, _ := body[1].(int32)
		name, _ := body[2].(string)
		typ, _ := body[3].(string)
		domain, _ := body[4].(string)
		return ServiceKey{Interface: iface, Protocol: proto, Name: name, Type: typ, Domain: domain}
	}

	switch member {
	case "ItemNew":
		return BrowseEvent{Kind: BrowseNew, Service: key()}
	case "ItemRemove":
		return BrowseEvent{Kind: BrowseRemove, Service: key()}
	case "AllForNow":
		return BrowseEvent{Kind: BrowseAllForNow}
	case "CacheExhausted":
		return BrowseEvent{Kind: BrowseCacheExhausted}
	case "Failure":
		err := signalError(body, 0)
		if err == nil {
			err = errors.New("browser failure")
		}
		return BrowseEvent{Kind: BrowseFailure, Err: err}
	default:
		return nil
	}
}

func (s *avahiSubscription) Close() error {
	s.client.lock.Lock()
	delete(s.client.browsers, s.path)
	invalid := s.invalid
	s.client.lock.Unlock()

	if invalid {
		return nil
	}

	return s.obj.Call(avahiBrowserIface+".Free", 0).Err
}

type avahiEntryGroup struct {
	client  *AvahiClient
	path    dbus.ObjectPath
	obj     dbus.BusObject
	invalid bool
}

var errGroupInvalidated = errors.New("entry group belongs to a previous avahi-daemon instance")

func (g *avahiEntryGroup) isInvalid() bool {
	g.client.lock.Lock()
	defer g.client.lock.Unlock()
	return g.invalid
}

func (g *avahiEntryGroup) AddService(svc Service) error {
	if g.isInvalid() {
		return errGroupInvalidated
	}

	// Convert TXT records to [][]byte format required by avahi
	txtBytes := make([][]byte, len(svc.Txt))
	for i, t := range svc.Txt {
		txtBytes[i] = []byte(t)
	}

	// AddService signature: iiussssqaay
	err := g.obj.Call(avahiEntryGroupIface+".AddService", 0,
		avahiIfUnspec,    // interface
		avahiProtoUnspec, // protocol
		uint32(0),        // flags
		svc.Name,         // service name
		svc.Type,         // service type
		svc.Domain,       // domain
		"",               // host (empty = use default hostname)
		uint16(svc.Port), // port
		txtBytes,         // TXT records
	).Err
	if isCollision(err) {
		return ErrCollision
	} else if err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	return nil
}

func (g *avahiEntryGroup) AddServiceSubtype(name, serviceType, domain, subtype string) error {
	if g.isInvalid() {
		return errGroupInvalidated
	}

	// AddServiceSubtype signature: iiussss
	err := g.obj.Call(avahiEntryGroupIface+".AddServiceSubtype", 0,
		avahiIfUnspec,
		avahiProtoUnspec,
		uint32(0),
		name,
		serviceType,
		domain,
		subtype,
	).Err
	if err != nil {
		return fmt.Errorf("failed to add service subtype: %w", err)
	}

	return nil
}

func (g *avahiEntryGroup) Commit() error {
	if g.isInvalid() {
		return errGroupInvalidated
	}

	if err := g.obj.Call(avahiEntryGroupIface+".Commit", 0).Err; err != nil {
		return fmt.Errorf("failed to commit entry group: %w", err)
	}
	return nil
}

func (g *avahiEntryGroup) Reset() error {
	if g.isInvalid() {
		return nil
	}

	if err := g.obj.Call(avahiEntryGroupIface+".Reset", 0).Err; err != nil {
		return fmt.Errorf("failed to reset entry group: %w", err)
	}
	return nil
}

func (g *avahiEntryGroup) IsEmpty() bool {
	if g.isInvalid() {
		return true
	}

	var empty bool
	if err := g.obj.Call(avahiEntryGroupIface+".IsEmpty", 0).Store(&empty); err != nil {
		return true
	}
	return empty
}

// Free removes the service from avahi and releases the group.
func (g *avahiEntryGroup) Free() error {
	g.client.lock.Lock()
	delete(g.client.groups, g.path)
	invalid := g.invalid
	g.invalid = true
	g.client.lock.Unlock()

	if invalid {
		return nil
	}

	return g.obj.Call(avahiEntryGroupIface+".Free", 0).Err
}
