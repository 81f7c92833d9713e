package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	rtspremote "github.com/rtsp-remote/go-rtsp-remote"
)

// Task is one pending activity notification.
type Task struct {
	URL    string
	Active bool
}

type Option func(*Notifier)

// WithProtocol overrides the protocol token of the request line.
func WithProtocol(protocol string) Option {
	return func(n *Notifier) {
		if len(protocol) > 0 {
			n.protocol = protocol
		}
	}
}

// WithTimeout bounds every delivery, zero means no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		n.timeout = timeout
	}
}

// Notifier delivers activity notifications to stream producers from a single
// worker goroutine. Tasks are attempted in the order they were sent.
type Notifier struct {
	log rtspremote.Logger

	protocol string
	timeout  time.Duration

	lock   sync.Mutex
	queue  []Task
	closed bool

	wake chan struct{}
	done chan struct{}

	// Metrics
	sentCount  atomic.Int64
	errorCount atomic.Int64
	dropCount  atomic.Int64
}

// NewNotifier starts the notifier worker.
func NewNotifier(log rtspremote.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		log:      log,
		protocol: DefaultProtocol,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	go n.workerLoop()
	return n
}

// Send queues a notification, it never blocks. Notifications sent after Close
// are dropped.
func (n *Notifier) Send(url string, active bool) {
	n.lock.Lock()
	if n.closed {
		n.lock.Unlock()
		n.dropCount.Add(1)
		n.log.Debugf("notifier closed, dropping activity for %s", url)
		return
	}

	n.queue = append(n.queue, Task{URL: url, Active: active})
	n.lock.Unlock()

	n.signal()
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close waits for every notification sent before it to be attempted, then
// stops the worker.
func (n *Notifier) Close() {
	n.lock.Lock()
	alreadyClosed := n.closed
	n.closed = true
	n.lock.Unlock()

	if !alreadyClosed {
		n.signal()
	}

	<-n.done

	if !alreadyClosed {
		n.log.WithField("sent", n.sentCount.Load()).
			WithField("errors", n.errorCount.Load()).
			WithField("drops", n.dropCount.Load()).
			Debugf("activity notifier stopped")
	}
}

func (n *Notifier) next() (Task, bool) {
	for {
		n.lock.Lock()
		if len(n.queue) > 0 {
			task := n.queue[0]
			n.queue[0] = Task{}
			n.queue = n.queue[1:]
			n.lock.Unlock()
			return task, true
		} else if n.closed {
			n.lock.Unlock()
			return Task{}, false
		}
		n.lock.Unlock()

		<-n.wake
	}
}

func (n *Notifier) workerLoop() {
	defer close(n.done)

	for {
		task, ok := n.next()
		if !ok {
			return
		}

		if err := n.deliver(task); err != nil {
			n.errorCount.Add(1)
			n.log.WithError(err).Warnf("could not send SET_PARAMETER request to %s", task.URL)
			continue
		}

		n.sentCount.Add(1)
	}
}

// dialAddress extracts host:port from an rtsp url, the default port applies
// when none is given.
func dialAddress(rawUrl string) (string, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	} else if len(u.Hostname()) == 0 {
		return "", fmt.Errorf("invalid url: missing host in %s", rawUrl)
	}

	port := u.Port()
	if len(port) == 0 {
		port = strconv.Itoa(rtspremote.DefaultRtspPort)
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

func (n *Notifier) deliver(task Task) error {
	addr, err := dialAddress(task.URL)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed connecting: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, BuildRequest(task.URL, task.Active, n.protocol)); err != nil {
		return fmt.Errorf("failed writing request: %w", err)
	}

	br := bufio.NewReader(conn)
	if _, err := br.Peek(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed reading response: %w", err)
	}

	// a failed read still counts as notified, the request went through
	code, msg, err := readResponse(br)
	if err != nil {
		n.log.WithError(err).Tracef("unparsed response from %s", addr)
	} else {
		n.log.Debugf("producer at %s answered %d %s", addr, code, msg)
	}

	return nil
}

// readResponse reads the status of a producer reply. gortsplib only parses
// RTSP/1.0, replies in any other version are read as plain status lines.
func readResponse(br *bufio.Reader) (base.StatusCode, string, error) {
	if prefix, err := br.Peek(len(rtsp10) + 1); err == nil && string(prefix) == rtsp10+" " {
		var res base.Response
		if err := res.Unmarshal(br); err != nil {
			return 0, "", err
		}
		return res.StatusCode, res.StatusMessage, nil
	}

	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return 0, "", err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "RTSP/") {
		return 0, "", fmt.Errorf("invalid status line: %q", line)
	}

	codeStr, msg, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", fmt.Errorf("invalid status code: %q", codeStr)
	}

	if _, err := tp.ReadMIMEHeader(); err != nil {
		return 0, "", err
	}

	return base.StatusCode(code), msg, nil
}
