package zeroconf

import (
	"fmt"
	"sort"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

// BackendFunc opens a Client for a named discovery backend.
type BackendFunc func(log rtspremote.Logger) (Client, error)

var backends = map[string]BackendFunc{}

func registerBackend(name string, fn BackendFunc) {
	backends[name] = fn
}

// Backends lists the discovery backends compiled into this binary.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient opens a client for the given backend. Failing to create it is
// reported as ErrDiscoveryUnavailable.
func NewClient(log rtspremote.Logger, backend string) (Client, error) {
	fn, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}

	client, err := fn(log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, err)
	}

	return client, nil
}
