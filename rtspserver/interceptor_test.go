//go:build test_unit

package rtspserver

import (
	"testing"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/stretchr/testify/assert"
)

type activity struct {
	path   string
	active bool
}

func recordingInterceptor() (*Interceptor, *[]activity) {
	var got []activity
	return NewInterceptor(&rtspremote.NullLogger{}, func(path string, active bool) {
		got = append(got, activity{path, active})
	}), &got
}

func setParameter(body string) *base.Request {
	return &base.Request{
		Method: base.SetParameter,
		Header: base.Header{
			"Content-Type":   base.HeaderValue{"text/parameters"},
			"Content-Length": base.HeaderValue{"16"},
		},
		Body: []byte(body),
	}
}

func TestParseActivity(t *testing.T) {
	cases := []struct {
		body   string
		active bool
		ok     bool
	}{
		{"obs-active: true", true, true},
		{"obs-active: false", false, true},
		{"obs-active: true\r\n", true, true},
		{"obs-active: yes", false, true},
		{"obs-active: ", false, false},
		{"obs-active:true", false, false},
		{"volume: 10", false, false},
		{"", false, false},
	}

	for _, c := range cases {
		active, ok := ParseActivity([]byte(c.body))
		assert.Equal(t, c.ok, ok, "ok for %q", c.body)
		assert.Equal(t, c.active, active, "active for %q", c.body)
	}
}

func TestInterceptActive(t *testing.T) {
	i, got := recordingInterceptor()

	req := setParameter("obs-active: true")
	active, ok := i.Intercept(req, "/x")

	assert.True(t, ok)
	assert.True(t, active)
	assert.Empty(t, req.Body)
	assert.NotContains(t, req.Header, "Content-Length")
	assert.Equal(t, []activity{{"/x", true}}, *got)
}

func TestInterceptInactive(t *testing.T) {
	i, got := recordingInterceptor()

	active, ok := i.Intercept(setParameter("obs-active: false"), "/x")

	assert.True(t, ok)
	assert.False(t, active)
	assert.Equal(t, []activity{{"/x", false}}, *got)
}

func TestInterceptPassthrough(t *testing.T) {
	i, got := recordingInterceptor()

	req := setParameter("volume: 10")
	_, ok := i.Intercept(req, "/x")
	assert.False(t, ok)
	assert.Equal(t, []byte("volume: 10"), req.Body)
	assert.Contains(t, req.Header, "Content-Length")

	other := &base.Request{Method: base.GetParameter, Body: []byte("obs-active: true")}
	_, ok = i.Intercept(other, "/x")
	assert.False(t, ok)
	assert.Equal(t, []byte("obs-active: true"), other.Body)

	assert.Empty(t, *got)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/x", normalizePath("x"))
	assert.Equal(t, "/x", normalizePath("/x/"))
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/a/b", normalizePath("/a/b"))
}
