//go:build test_unit

package notify

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type receivedRequest struct {
	line string
	body string
}

// fakeProducer accepts notifications on localhost and records them.
type fakeProducer struct {
	ln net.Listener

	lock     sync.Mutex
	requests []receivedRequest

	wg sync.WaitGroup
}

func newFakeProducer(t *testing.T) *fakeProducer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakeProducer{ln: ln}
	p.wg.Add(1)
	go p.serve()

	return p
}

func (p *fakeProducer) close() {
	_ = p.ln.Close()
	p.wg.Wait()
}

func (p *fakeProducer) url(path string) string {
	return fmt.Sprintf("rtsp://%s%s", p.ln.Addr().String(), path)
}

func (p *fakeProducer) serve() {
	defer p.wg.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}

		p.handle(conn)
	}
}

func (p *fakeProducer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	tp := textproto.NewReader(bufio.NewReader(conn))
	line, err := tp.ReadLine()
	if err != nil {
		return
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return
	}

	n, _ := strconv.Atoi(header.Get("Content-Length"))
	body := make([]byte, n)
	if _, err := io.ReadFull(tp.R, body); err != nil {
		return
	}

	p.lock.Lock()
	p.requests = append(p.requests, receivedRequest{line: line, body: string(body)})
	p.lock.Unlock()

	_, _ = io.WriteString(conn, "RTSP/1.0 200 OK\r\nCSeq: "+header.Get("Cseq")+"\r\n\r\n")
}

func (p *fakeProducer) received() []receivedRequest {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]receivedRequest(nil), p.requests...)
}

func TestBuildRequest(t *testing.T) {
	assert.Equal(t,
		"SET_PARAMETER rtsp://host1:8554/x RTSP/2.0\r\n"+
			"CSeq: 0\r\n"+
			"Connection: close\r\n"+
			"Content-Type: text/parameters\r\n"+
			"Content-Length: 16\r\n"+
			"\r\n"+
			"obs-active: true",
		BuildRequest("rtsp://host1:8554/x", true, DefaultProtocol))

	assert.Equal(t,
		"SET_PARAMETER rtsp://host1/ RTSP/1.0\r\n"+
			"CSeq: 0\r\n"+
			"Connection: close\r\n"+
			"Content-Type: text/parameters\r\n"+
			"Content-Length: 17\r\n"+
			"\r\n"+
			"obs-active: false",
		BuildRequest("rtsp://host1/", false, "RTSP/1.0"))
}

func TestDialAddress(t *testing.T) {
	addr, err := dialAddress("rtsp://host1:8554/x")
	require.NoError(t, err)
	assert.Equal(t, "host1:8554", addr)

	addr, err = dialAddress("rtsp://host1/x")
	require.NoError(t, err)
	assert.Equal(t, "host1:554", addr)

	addr, err = dialAddress("rtsp://[fe80::1]:9000/")
	require.NoError(t, err)
	assert.Equal(t, "[fe80::1]:9000", addr)

	_, err = dialAddress("rtsp:///nohost")
	assert.Error(t, err)
}

func TestSendThenCloseDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := newFakeProducer(t)
	defer producer.close()
	n := NewNotifier(&rtspremote.NullLogger{})

	n.Send(producer.url("/x"), true)
	n.Send(producer.url("/x"), false)
	n.Send(producer.url("/y"), true)
	n.Close()

	got := producer.received()
	require.Len(t, got, 3)

	assert.Equal(t, "SET_PARAMETER "+producer.url("/x")+" RTSP/2.0", got[0].line)
	assert.Equal(t, "obs-active: true", got[0].body)
	assert.Equal(t, "obs-active: false", got[1].body)
	assert.Equal(t, "SET_PARAMETER "+producer.url("/y")+" RTSP/2.0", got[2].line)
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := newFakeProducer(t)
	defer producer.close()
	n := NewNotifier(&rtspremote.NullLogger{}, WithProtocol("RTSP/1.0"))
	n.Close()

	n.Send(producer.url("/x"), true)
	n.Close()

	assert.Empty(t, producer.received())
	assert.Equal(t, int64(1), n.dropCount.Load())
}

func TestFailedDeliveryDoesNotStopWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	// grab a port nobody listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	producer := newFakeProducer(t)
	defer producer.close()
	n := NewNotifier(&rtspremote.NullLogger{}, WithTimeout(2*time.Second))

	n.Send("rtsp://"+deadAddr+"/x", true)
	n.Send("not a url\x7f", true)
	n.Send(producer.url("/x"), true)
	n.Close()

	require.Len(t, producer.received(), 1)
	assert.Equal(t, int64(2), n.errorCount.Load())
	assert.Equal(t, int64(1), n.sentCount.Load())
}

func TestConcurrentSenders(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := newFakeProducer(t)
	defer producer.close()
	n := NewNotifier(&rtspremote.NullLogger{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				n.Send(producer.url(fmt.Sprintf("/s%d", i)), j%2 == 0)
			}
		}(i)
	}
	wg.Wait()
	n.Close()

	assert.Len(t, producer.received(), 20)
}

func TestReadResponse(t *testing.T) {
	for _, proto := range []string{"RTSP/1.0", "RTSP/2.0"} {
		br := bufio.NewReader(strings.NewReader(proto + " 200 OK\r\nCSeq: 0\r\n\r\n"))
		code, msg, err := readResponse(br)
		require.NoError(t, err, proto)
		assert.Equal(t, base.StatusOK, code, proto)
		assert.Equal(t, "OK", msg, proto)
	}

	code, msg, err := readResponse(bufio.NewReader(strings.NewReader("RTSP/2.0 454 Session Not Found\r\n\r\n")))
	require.NoError(t, err)
	assert.Equal(t, base.StatusCode(454), code)
	assert.Equal(t, "Session Not Found", msg)

	_, _, err = readResponse(bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\n\r\n")))
	assert.Error(t, err)

	_, _, err = readResponse(bufio.NewReader(strings.NewReader("RTSP/2.0 abc OK\r\n\r\n")))
	assert.Error(t, err)
}
