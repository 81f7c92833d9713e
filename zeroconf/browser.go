package zeroconf

import (
	"sync"
	"sync/atomic"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/rtsp-remote/go-rtsp-remote/registry"
	"golang.org/x/exp/slices"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ServiceBrowser keeps a registry of the stream sources advertised on the
// local network. The registry is written only by the browser loop.
type ServiceBrowser struct {
	log rtspremote.Logger

	client   Client
	registry *registry.Registry

	// state below is owned by the loop goroutine
	sub       Subscription
	resolving map[string]struct{}

	failed atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBrowser opens the named discovery backend and starts browsing with it.
func NewBrowser(log rtspremote.Logger, backend string) (*ServiceBrowser, error) {
	client, err := NewClient(log, backend)
	if err != nil {
		return nil, err
	}

	return OpenBrowser(log, client)
}

// OpenBrowser starts browsing on an already opened client, the browser takes
// ownership of it. Results arrive asynchronously.
func OpenBrowser(log rtspremote.Logger, client Client) (*ServiceBrowser, error) {
	b := &ServiceBrowser{
		log:       log,
		client:    client,
		registry:  registry.NewRegistry(),
		resolving: map[string]struct{}{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go b.loop()
	return b, nil
}

func (b *ServiceBrowser) loop() {
	defer close(b.done)

	for {
		select {
		case <-b.stop:
			return
		case ev, ok := <-b.client.Events():
			if !ok {
				b.fail("discovery client went away", nil)
				return
			}

			if !b.handle(ev) {
				return
			}
		}
	}
}

// fail marks the browser as permanently broken, queries degrade from now on.
func (b *ServiceBrowser) fail(msg string, err error) {
	b.failed.Store(true)
	b.registry.Clear()

	if err != nil {
		b.log.WithError(err).Errorf("%s, service browser stopped", msg)
	} else {
		b.log.Errorf("%s, service browser stopped", msg)
	}
}

func (b *ServiceBrowser) handle(ev Event) bool {
	switch ev := ev.(type) {
	case ClientStateEvent:
		return b.handleClientState(ev)
	case BrowseEvent:
		return b.handleBrowse(ev)
	case ResolveEvent:
		b.handleResolve(ev)
	}

	return true
}

func (b *ServiceBrowser) handleClientState(ev ClientStateEvent) bool {
	b.log.Debugf("discovery client state: %s", ev.State)

	switch ev.State {
	case ClientStateConnecting:
		// answers to resolves started on the previous instance may never come
		clear(b.resolving)
	case ClientStateRunning:
		clear(b.resolving)

		if b.sub != nil {
			_ = b.sub.Close()
			b.sub = nil
		}

		sub, err := b.client.Browse(rtspremote.ServiceSubtype)
		if err != nil {
			b.fail("failed creating service browser", err)
			return false
		}

		b.sub = sub
	case ClientStateFailure:
		b.fail("discovery client failure", ev.Err)
		return false
	}

	return true
}

func (b *ServiceBrowser) handleBrowse(ev BrowseEvent) bool {
	switch ev.Kind {
	case BrowseNew:
		name := ev.Service.Name
		if b.registry.Contains(name) {
			return true
		} else if _, ok := b.resolving[name]; ok {
			return true
		}

		if err := b.client.Resolve(ev.Service); err != nil {
			b.log.WithError(err).Warnf("failed resolving service %s", name)
			return true
		}

		b.resolving[name] = struct{}{}
	case BrowseRemove:
		if b.registry.Remove(ev.Service.Name) {
			b.log.Infof("service %s went away", ev.Service.Name)
		}
	case BrowseAllForNow, BrowseCacheExhausted:
		b.log.Debugf("service browser: %s", ev.Kind)
	case BrowseFailure:
		b.fail("service browser failure", ev.Err)
		return false
	}

	return true
}

func (b *ServiceBrowser) handleResolve(ev ResolveEvent) {
	delete(b.resolving, ev.Service.Name)

	if !ev.Found {
		b.log.WithError(ev.Err).Warnf("failed resolving service %s", ev.Service.Name)
		return
	}

	url := rtspremote.StreamURL(ev.Host, ev.Port, rtspremote.PathFromTxt(ev.Txt))
	if b.registry.Insert(rtspremote.ServiceRecord{Name: ev.Service.Name, URL: url}) {
		b.log.Infof("found service %s at %s", ev.Service.Name, url)
	}
}

// Err reports ErrDiscoveryUnavailable once the browser has stopped on a
// failure.
func (b *ServiceBrowser) Err() error {
	if b.failed.Load() {
		return ErrDiscoveryUnavailable
	}
	return nil
}

// GetUri returns the stream URL for a service name together with the current
// registry stamp. The URL is empty if the name is unknown.
func (b *ServiceBrowser) GetUri(name string) (string, uint64) {
	rec, ok, stamp := b.registry.Lookup(name)
	if !ok || b.failed.Load() {
		return "", stamp
	}

	return rec.URL, stamp
}

func (b *ServiceBrowser) GetStamp() uint64 {
	return b.registry.Stamp()
}

// GetAvailable returns the known service names, unique and sorted for display.
func (b *ServiceBrowser) GetAvailable() []string {
	if b.failed.Load() {
		return []string{}
	}

	names := b.registry.Names()
	collate.New(language.Und).SortStrings(names)
	return slices.Compact(names)
}

// Records returns a snapshot of every known service.
func (b *ServiceBrowser) Records() []rtspremote.ServiceRecord {
	if b.failed.Load() {
		return []rtspremote.ServiceRecord{}
	}

	recs := b.registry.Records()
	col := collate.New(language.Und)
	slices.SortFunc(recs, func(a, b rtspremote.ServiceRecord) int {
		return col.CompareString(a.Name, b.Name)
	})
	return recs
}

func (b *ServiceBrowser) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done

		if b.sub != nil {
			_ = b.sub.Close()
			b.sub = nil
		}

		_ = b.client.Close()
	})
}
