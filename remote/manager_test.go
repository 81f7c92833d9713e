//go:build test_unit

package remote

import (
	"testing"

	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/rtsp-remote/go-rtsp-remote/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	resolver := &registryResolver{Registry: registry.NewRegistry()}
	sender := &recordingSender{}
	m := NewManager(&rtspremote.NullLogger{}, resolver, sender)

	_, err := m.Add("camB")
	require.NoError(t, err)
	camA, err := m.Add("camA")
	require.NoError(t, err)

	_, err = m.Add("camA")
	assert.ErrorIs(t, err, ErrSourceExists)
	assert.Equal(t, []string{"camA", "camB"}, m.Names())

	got, err := m.Get("camA")
	require.NoError(t, err)
	assert.Same(t, camA, got)

	_, err = m.Get("camC")
	assert.ErrorIs(t, err, ErrSourceMissing)

	resolver.Insert(rtspremote.ServiceRecord{Name: "camB", URL: "rtsp://host2:8554/"})
	resolver.Insert(rtspremote.ServiceRecord{Name: "camA", URL: "rtsp://host1:8554/x"})

	changed := m.Tick()
	require.Len(t, changed, 2)
	assert.Equal(t, "camA", changed[0].ServiceName())
	assert.Empty(t, m.Tick())

	camA.Activate()
	require.NoError(t, m.Remove("camA"))
	assert.ErrorIs(t, m.Remove("camA"), ErrSourceMissing)

	assert.Equal(t, []sent{
		{"rtsp://host1:8554/x", true},
		{"rtsp://host1:8554/x", false},
	}, sender.sent)
	assert.Equal(t, []string{"camB"}, m.Names())
}
