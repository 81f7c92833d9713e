package rtspserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

const (
	sniffTimeout = 10 * time.Second
	maxSniffBody = 64 * 1024
)

// sniffListener answers out-of-band activity notifications on its own and
// hands every other connection to the RTSP server untouched. Notifications
// carry no session and may use any protocol version, the server would reject
// them before they reach its handler.
type sniffListener struct {
	log         rtspremote.Logger
	ln          net.Listener
	interceptor *Interceptor

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSniffListener(log rtspremote.Logger, ln net.Listener, interceptor *Interceptor) *sniffListener {
	l := &sniffListener{
		log:         log,
		ln:          ln,
		interceptor: interceptor,
		conns:       make(chan net.Conn),
		closed:      make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

func (l *sniffListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.log.WithError(err).Errorf("failed accepting rtsp connection")
			}
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()

			conn := l.sniff(conn)
			if conn == nil {
				return
			}

			select {
			case l.conns <- conn:
			case <-l.closed:
				_ = conn.Close()
			}
		}()
	}
}

// sniff reads the first request of conn. It returns nil if the request was
// an activity notification and has been answered, otherwise a connection
// replaying everything read so far.
func (l *sniffListener) sniff(conn net.Conn) net.Conn {
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))

	var captured bytes.Buffer
	br := bufio.NewReader(io.TeeReader(conn, &captured))

	req, proto, uri, err := readSetParameter(br)

	_ = conn.SetReadDeadline(time.Time{})

	if err == nil && req != nil {
		if _, ok := l.interceptor.Intercept(req, requestPath(uri)); ok {
			l.log.Debugf("answered activity notification from %s", conn.RemoteAddr())

			_, _ = io.WriteString(conn, okResponse(proto, req.Header))
			_ = conn.Close()
			return nil
		}
	}

	return &replayConn{Conn: conn, r: io.MultiReader(&captured, conn)}
}

func (l *sniffListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *sniffListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

func (l *sniffListener) Addr() net.Addr {
	return l.ln.Addr()
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// readSetParameter reads a sessionless SET_PARAMETER request of any RTSP
// version. It returns a nil request as soon as the connection turns out to
// carry something else.
func readSetParameter(br *bufio.Reader) (*base.Request, string, string, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, "", "", err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "RTSP/") {
		return nil, "", "", fmt.Errorf("malformed request line: %s", line)
	} else if base.Method(parts[0]) != base.SetParameter {
		return nil, "", "", nil
	}

	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, "", "", err
	}

	if len(mime.Get("Session")) > 0 {
		// requests within a session belong to the server
		return nil, "", "", nil
	}

	header := base.Header{}
	for key, values := range mime {
		header[key] = base.HeaderValue(values)
	}

	var body []byte
	if val := mime.Get("Content-Length"); len(val) > 0 {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 || n > maxSniffBody {
			return nil, "", "", fmt.Errorf("invalid content length: %s", val)
		}

		body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, "", "", err
		}
	}

	return &base.Request{Method: base.SetParameter, Header: header, Body: body}, parts[2], parts[1], nil
}

func requestPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return normalizePath(uri)
	}
	return normalizePath(u.Path)
}

func okResponse(proto string, header base.Header) string {
	cseq := "0"
	if v, ok := header["Cseq"]; ok && len(v) > 0 {
		cseq = v[0]
	}

	return proto + " 200 OK\r\nCSeq: " + cseq + "\r\nContent-Length: 0\r\n\r\n"
}
