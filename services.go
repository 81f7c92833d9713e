package go_rtsp_remote

import (
	"fmt"
	"strings"
)

const (
	// ServiceType is the DNS-SD type every stream is advertised under.
	ServiceType = "_rtsp._tcp"
	// ServiceSubtype narrows browsing to streams meant for remote sources.
	ServiceSubtype = "_obs-source._sub._rtsp._tcp"
	// ServiceDomain is the mDNS domain, empty means the backend default.
	ServiceDomain = ""

	// TxtPathKey carries the mount path of the stream.
	TxtPathKey = "path"

	DefaultRtspPort = 554
	// DefaultSenderPort is where the producer daemon serves its streams.
	DefaultSenderPort = 8554
)

// ServiceRecord is a resolved stream.
type ServiceRecord struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TxtPathRecord builds the TXT entry advertising the mount path.
func TxtPathRecord(path string) string {
	return TxtPathKey + "=" + path
}

// PathFromTxt returns the mount path found in a TXT record list, "/" when
// the key is missing or empty.
func PathFromTxt(txt []string) string {
	for _, entry := range txt {
		key, value, _ := strings.Cut(entry, "=")
		if !strings.EqualFold(key, TxtPathKey) {
			continue
		}

		if len(value) == 0 {
			return "/"
		}
		return value
	}

	return "/"
}

// StreamURL synthesizes the RTSP url of a resolved service.
func StreamURL(host string, port uint16, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("rtsp://%s:%d%s", host, port, path)
}
