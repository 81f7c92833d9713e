package notify

import (
	"fmt"
	"strings"
)

const (
	DefaultProtocol = "RTSP/2.0"

	rtsp10 = "RTSP/1.0"

	// ActiveParameter is the text/parameters key carrying the viewer activity.
	ActiveParameter = "obs-active"
)

const endLine = "\r\n"

// ActivityBody renders the parameter body for a given activity.
func ActivityBody(active bool) string {
	if active {
		return ActiveParameter + ": true"
	}
	return ActiveParameter + ": false"
}

// BuildRequest renders the SET_PARAMETER request telling the producer of
// url whether its stream is being watched.
func BuildRequest(url string, active bool, protocol string) string {
	body := ActivityBody(active)

	var sb strings.Builder
	sb.WriteString("SET_PARAMETER " + url + " " + protocol + endLine)
	sb.WriteString("CSeq: 0" + endLine)
	sb.WriteString("Connection: close" + endLine)
	sb.WriteString("Content-Type: text/parameters" + endLine)
	sb.WriteString(fmt.Sprintf("Content-Length: %d", len(body)) + endLine)
	sb.WriteString(endLine)
	sb.WriteString(body)
	return sb.String()
}
