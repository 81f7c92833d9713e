package rtspserver

import (
	"strings"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/rtsp-remote/go-rtsp-remote/notify"
)

const activityPrefix = notify.ActiveParameter + ": "

// ActivityFunc receives the viewer activity reported for a stream path.
type ActivityFunc func(path string, active bool)

// Interceptor recognizes activity notifications among SET_PARAMETER requests.
type Interceptor struct {
	log        rtspremote.Logger
	onActivity ActivityFunc
}

func NewInterceptor(log rtspremote.Logger, onActivity ActivityFunc) *Interceptor {
	return &Interceptor{log: log, onActivity: onActivity}
}

// ParseActivity extracts the activity from a text/parameters body. The body
// must hold something after the prefix, anything but "true" is inactive.
func ParseActivity(body []byte) (active bool, ok bool) {
	if len(body) <= len(activityPrefix) || !strings.HasPrefix(string(body), activityPrefix) {
		return false, false
	}

	return strings.TrimSpace(string(body[len(activityPrefix):])) == "true", true
}

// Intercept reports the activity carried by req, if any. A matching request
// has its body cleared so that it is answered with a plain 200 OK, other
// requests are left untouched.
func (i *Interceptor) Intercept(req *base.Request, path string) (active bool, ok bool) {
	if req == nil || req.Method != base.SetParameter {
		return false, false
	}

	active, ok = ParseActivity(req.Body)
	if !ok {
		return false, false
	}

	if active {
		i.log.Infof("stream %s is active", path)
	} else {
		i.log.Infof("stream %s is inactive", path)
	}

	req.Body = nil
	if req.Header != nil {
		delete(req.Header, "Content-Length")
	}

	if i.onActivity != nil {
		i.onActivity(path, active)
	}

	return active, true
}
