//go:build test_unit

package zeroconf

import (
	"errors"
	"testing"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type PublisherInternalSuite struct {
	suite.Suite

	client    *fakeClient
	group     *MockEntryGroup
	publisher *ServicePublisher
}

func (suite *PublisherInternalSuite) SetupTest() {
	suite.group = &MockEntryGroup{}
	suite.group.On("IsEmpty").Return(true).Maybe()
	suite.group.On("Free").Return(nil).Maybe()

	suite.client = newFakeClient()
	suite.client.newGroup = func() EntryGroup { return suite.group }

	var err error
	suite.publisher, err = OpenPublisher(&rtspremote.NullLogger{}, suite.client, 8554)
	suite.Require().NoError(err)
}

func (suite *PublisherInternalSuite) TearDownTest() {
	suite.publisher.Close()
	suite.group.AssertExpectations(suite.T())
}

func (suite *PublisherInternalSuite) service(name, path string) Service {
	return Service{
		Name:   name,
		Type:   rtspremote.ServiceType,
		Domain: rtspremote.ServiceDomain,
		Port:   8554,
		Txt:    []string{"path=" + path},
	}
}

func (suite *PublisherInternalSuite) expectRegistration(name, path string, times int) {
	suite.group.On("AddService", suite.service(name, path)).Return(nil).Times(times)
	suite.group.On("AddServiceSubtype", name, rtspremote.ServiceType, rtspremote.ServiceDomain, rtspremote.ServiceSubtype).Return(nil).Times(times)
	suite.group.On("Commit").Return(nil).Times(times)
}

func (suite *PublisherInternalSuite) published() PublishedService {
	out := suite.publisher.Published()
	suite.Require().Len(out, 1)
	return out[0]
}

func (suite *PublisherInternalSuite) TestDeferredUntilRunning() {
	suite.expectRegistration("cam1", "/cam", 1)

	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.Equal(EntryStateUnregistered, suite.published().State)
	suite.Empty(suite.client.groups)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Equal(PublishedService{Path: "/cam", Name: "cam1", State: EntryStateRegistering}, suite.published())

	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}
	suite.Equal(EntryStateEstablished, suite.published().State)
}

func (suite *PublisherInternalSuite) TestImmediateWhenRunning() {
	suite.expectRegistration("cam1", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.Equal(EntryStateRegistering, suite.published().State)
}

func (suite *PublisherInternalSuite) TestLocalCollisionRenames() {
	suite.group.On("AddService", suite.service("cam1", "/cam")).Return(ErrCollision).Once()
	suite.group.On("Reset").Return(nil).Once()
	suite.expectRegistration("cam1 (2)", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))

	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}
	suite.Equal(PublishedService{Path: "/cam", Name: "cam1 (2)", State: EntryStateEstablished}, suite.published())
}

func (suite *PublisherInternalSuite) TestNetworkCollisionRenames() {
	suite.expectRegistration("cam1", "/cam", 1)
	suite.group.On("Reset").Return(nil).Once()
	suite.expectRegistration("cam1 (2)", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))

	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateCollision}
	suite.Equal(PublishedService{Path: "/cam", Name: "cam1 (2)", State: EntryStateRegistering}, suite.published())

	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}
	suite.Equal(EntryStateEstablished, suite.published().State)
}

func (suite *PublisherInternalSuite) TestDuplicatePath() {
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))

	err := suite.publisher.AddStream("/cam", "other")
	suite.ErrorIs(err, ErrDuplicatePath)
	suite.Equal("cam1", suite.published().Name)
}

func (suite *PublisherInternalSuite) TestHostChangeReregisters() {
	suite.expectRegistration("cam1", "/cam", 2)
	suite.group.On("Reset").Return(nil).Once()

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}

	suite.client.events <- ClientStateEvent{State: ClientStateRegistering}
	suite.Equal(EntryStateUnregistered, suite.published().State)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Equal(EntryStateRegistering, suite.published().State)
	suite.Len(suite.client.groups, 1, "the entry group is reused")
}

func (suite *PublisherInternalSuite) TestHostCollisionReregisters() {
	suite.expectRegistration("cam1", "/cam", 2)
	suite.group.On("Reset").Return(nil).Once()

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}

	suite.client.events <- ClientStateEvent{State: ClientStateCollision}
	suite.Equal(PublishedService{Path: "/cam", Name: "cam1", State: EntryStateUnregistered}, suite.published())

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Equal(EntryStateRegistering, suite.published().State)
}

func (suite *PublisherInternalSuite) TestDaemonRestartRecreatesGroups() {
	second := &MockEntryGroup{}
	second.On("IsEmpty").Return(true).Maybe()
	second.On("Free").Return(nil).Maybe()
	second.On("AddService", suite.service("cam1", "/cam")).Return(nil).Once()
	second.On("AddServiceSubtype", "cam1", rtspremote.ServiceType, rtspremote.ServiceDomain, rtspremote.ServiceSubtype).Return(nil).Once()
	second.On("Commit").Return(nil).Once()

	groups := []EntryGroup{suite.group, second}
	suite.client.newGroup = func() EntryGroup {
		group := groups[0]
		groups = groups[1:]
		return group
	}

	suite.expectRegistration("cam1", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}

	suite.client.events <- ClientStateEvent{State: ClientStateConnecting}
	suite.Equal(EntryStateUnregistered, suite.published().State)
	suite.group.AssertCalled(suite.T(), "Free")

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Equal(EntryStateRegistering, suite.published().State)

	// signals of the freed group must not touch the entry
	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateFailure, Err: errors.New("stale")}
	suite.Equal(EntryStateRegistering, suite.published().State)

	suite.client.events <- GroupStateEvent{Group: second, State: GroupStateEstablished}
	suite.Equal(PublishedService{Path: "/cam", Name: "cam1", State: EntryStateEstablished}, suite.published())

	suite.client.lock.Lock()
	suite.Len(suite.client.groups, 2)
	suite.client.lock.Unlock()

	suite.publisher.Close()
	second.AssertExpectations(suite.T())
	second.AssertCalled(suite.T(), "Free")
}

func (suite *PublisherInternalSuite) TestRenamesGiveUp() {
	suite.group.On("AddService", mock.Anything).Return(ErrCollision).Times(maxRenames + 1)
	suite.group.On("Reset").Return(nil).Times(maxRenames)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}

	err := suite.publisher.AddStream("/cam", "cam1")
	suite.ErrorIs(err, ErrDiscoveryUnavailable)

	<-suite.publisher.done
	suite.group.AssertNotCalled(suite.T(), "Commit")
	suite.Nil(suite.publisher.Published())
}

func (suite *PublisherInternalSuite) TestEstablishedSkippedOnRunning() {
	suite.expectRegistration("cam1", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))
	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateEstablished}

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Equal(EntryStateEstablished, suite.published().State)
}

func (suite *PublisherInternalSuite) TestCloseWithdraws() {
	suite.expectRegistration("cam1", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))

	suite.publisher.Close()
	suite.group.AssertCalled(suite.T(), "Free")

	suite.client.lock.Lock()
	defer suite.client.lock.Unlock()
	suite.Equal(1, suite.client.closed)
}

func (suite *PublisherInternalSuite) TestGroupFailureStops() {
	suite.expectRegistration("cam1", "/cam", 1)

	suite.client.events <- ClientStateEvent{State: ClientStateRunning}
	suite.Require().NoError(suite.publisher.AddStream("/cam", "cam1"))

	suite.client.events <- GroupStateEvent{Group: suite.group, State: GroupStateFailure, Err: errors.New("boom")}
	<-suite.publisher.done

	err := suite.publisher.AddStream("/other", "cam2")
	suite.ErrorIs(err, ErrDiscoveryUnavailable)
	suite.Nil(suite.publisher.Published())
}

func (suite *PublisherInternalSuite) TestUnknownGroupIgnored() {
	other := &MockEntryGroup{}
	suite.client.events <- GroupStateEvent{Group: other, State: GroupStateFailure}
	suite.NoError(suite.publisher.AddStream("/cam", "cam1"))
	other.AssertNotCalled(suite.T(), "Free")
}

func TestPublisherInternalSuite(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite.Run(t, new(PublisherInternalSuite))
}
