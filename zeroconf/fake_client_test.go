//go:build test_unit

package zeroconf

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// fakeClient delivers events on an unbuffered channel so that every send
// returns only once the owning loop has finished the previous event.
type fakeClient struct {
	events chan Event

	lock      sync.Mutex
	browsed   []string
	subs      []*fakeSubscription
	resolves  []ServiceKey
	groups    []EntryGroup
	newGroup  func() EntryGroup
	closed    int
	browseErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event)}
}

func (c *fakeClient) Events() <-chan Event {
	return c.events
}

func (c *fakeClient) Browse(serviceType string) (Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.browseErr != nil {
		return nil, c.browseErr
	}

	sub := &fakeSubscription{}
	c.browsed = append(c.browsed, serviceType)
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeClient) Resolve(key ServiceKey) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.resolves = append(c.resolves, key)
	return nil
}

func (c *fakeClient) NewEntryGroup() (EntryGroup, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	group := c.newGroup()
	c.groups = append(c.groups, group)
	return group, nil
}

func (c *fakeClient) AlternativeServiceName(name string) string {
	return AlternativeServiceName(name)
}

func (c *fakeClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.closed++
	return nil
}

func (c *fakeClient) resolveCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.resolves)
}

type fakeSubscription struct {
	lock   sync.Mutex
	closed bool
}

func (s *fakeSubscription) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

type MockEntryGroup struct {
	mock.Mock
}

func (m *MockEntryGroup) AddService(svc Service) error {
	return m.Called(svc).Error(0)
}

func (m *MockEntryGroup) AddServiceSubtype(name, serviceType, domain, subtype string) error {
	return m.Called(name, serviceType, domain, subtype).Error(0)
}

func (m *MockEntryGroup) Commit() error {
	return m.Called().Error(0)
}

func (m *MockEntryGroup) Reset() error {
	return m.Called().Error(0)
}

func (m *MockEntryGroup) IsEmpty() bool {
	return m.Called().Bool(0)
}

func (m *MockEntryGroup) Free() error {
	return m.Called().Error(0)
}
