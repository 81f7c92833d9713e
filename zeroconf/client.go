package zeroconf

import (
	"errors"
	"fmt"
)

var (
	ErrDiscoveryUnavailable = errors.New("discovery unavailable")
	ErrCollision            = errors.New("local name collision")
	ErrUnknownBackend       = errors.New("unknown discovery backend")

	// errResolveAbandoned settles resolves whose answer was lost with the
	// daemon instance that started them.
	errResolveAbandoned = errors.New("resolve abandoned by the discovery daemon")
)

// ClientState mirrors the daemon side lifecycle of a discovery client.
type ClientState int

const (
	ClientStateConnecting ClientState = iota
	ClientStateRegistering
	ClientStateRunning
	ClientStateCollision
	ClientStateFailure
)

func (s ClientState) String() string {
	switch s {
	case ClientStateConnecting:
		return "connecting"
	case ClientStateRegistering:
		return "registering"
	case ClientStateRunning:
		return "running"
	case ClientStateCollision:
		return "collision"
	case ClientStateFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// GroupState is the lifecycle of an entry group as reported by the backend.
type GroupState int

const (
	GroupStateUncommitted GroupState = iota
	GroupStateRegistering
	GroupStateEstablished
	GroupStateCollision
	GroupStateFailure
)

func (s GroupState) String() string {
	switch s {
	case GroupStateUncommitted:
		return "uncommitted"
	case GroupStateRegistering:
		return "registering"
	case GroupStateEstablished:
		return "established"
	case GroupStateCollision:
		return "collision"
	case GroupStateFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type BrowseEventKind int

const (
	BrowseNew BrowseEventKind = iota
	BrowseRemove
	BrowseAllForNow
	BrowseCacheExhausted
	BrowseFailure
)

func (k BrowseEventKind) String() string {
	switch k {
	case BrowseNew:
		return "new"
	case BrowseRemove:
		return "remove"
	case BrowseAllForNow:
		return "all_for_now"
	case BrowseCacheExhausted:
		return "cache_exhausted"
	case BrowseFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ServiceKey identifies a browsed service instance on one interface and protocol.
type ServiceKey struct {
	Interface int32
	Protocol  int32
	Name      string
	Type      string
	Domain    string
}

// Service is what an entry group advertises.
type Service struct {
	Name   string
	Type   string
	Domain string
	Port   int
	Txt    []string
}

// Event is anything a Client delivers on its event channel.
type Event interface {
	event()
}

type ClientStateEvent struct {
	State ClientState
	Err   error
}

type BrowseEvent struct {
	Kind    BrowseEventKind
	Service ServiceKey
	Err     error
}

// ResolveEvent settles a Resolve call. The resolver behind it is already
// released when the event is delivered.
type ResolveEvent struct {
	Service ServiceKey
	Found   bool
	Host    string
	Port    uint16
	Txt     []string
	Err     error
}

type GroupStateEvent struct {
	Group EntryGroup
	State GroupState
	Err   error
}

func (ClientStateEvent) event() {}
func (BrowseEvent) event()      {}
func (ResolveEvent) event()     {}
func (GroupStateEvent) event()  {}

// Client is a connection to a discovery responder. All results are
// delivered on Events, starting with the current client state. A client is
// owned by a single event loop.
type Client interface {
	Events() <-chan Event

	// Browse subscribes to a service type. Events for it carry BrowseEvent.
	Browse(serviceType string) (Subscription, error)
	// Resolve starts a one-shot resolution, settled by exactly one ResolveEvent.
	Resolve(key ServiceKey) error

	NewEntryGroup() (EntryGroup, error)
	// AlternativeServiceName derives a different candidate name after a collision.
	AlternativeServiceName(name string) string

	Close() error
}

type Subscription interface {
	Close() error
}

// EntryGroup is a set of records committed and withdrawn atomically.
// AddService returns ErrCollision when the name is already taken locally.
type EntryGroup interface {
	AddService(svc Service) error
	AddServiceSubtype(name, serviceType, domain, subtype string) error
	Commit() error
	Reset() error
	IsEmpty() bool
	Free() error
}
