package marlin

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ackPrefix terminates every command response. The firmware prints
// it on a line of its own, or prefixed to trailing data ("ok T:...").
const ackPrefix = "ok"

// ErrClosed is returned from Send after the connection is closed.
var ErrClosed = errors.New("connection closed")

// Response holds the lines received for one command, in reception
// order. When an acknowledgment was seen it is the last line.
type Response struct {
	Lines []string
	Ack   bool
}

// Find returns the first line containing substr.
func (r *Response) Find(substr string) (string, bool) {
	for _, ln := range r.Lines {
		if strings.Contains(ln, substr) {
			return ln, true
		}
	}
	return "", false
}

// TimeoutError indicates no acknowledgment arrived within the
// command's budget.
type TimeoutError struct {
	Cmd   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no ack for %q within %s", e.Cmd, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is a command acknowledgment timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Conn is a synchronous command channel to the printer: one command
// on the wire at a time, each acknowledged before the next. Commands
// may cause physical motion, so nothing here retries.
type Conn struct {
	port Port

	lines   chan string
	closeCh chan struct{}

	closeOnce sync.Once

	mx      sync.Mutex
	readErr error
}

func NewConn(port Port) *Conn {
	c := &Conn{
		port:    port,
		lines:   make(chan string, 64),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	scan := bufio.NewScanner(c.port)
	for scan.Scan() {
		ln := strings.TrimSpace(scan.Text())
		if ln == "" {
			continue
		}
		logrus.WithField("line", ln).Trace("rx")
		select {
		case c.lines <- ln:
		case <-c.closeCh:
			return
		}
	}
	c.mx.Lock()
	c.readErr = scan.Err()
	c.mx.Unlock()
	close(c.lines)
}

// Send transmits one command and collects response lines until the
// acknowledgment or timeout. Stale input left over from earlier
// commands is discarded before transmitting. On timeout the partial
// response is returned along with a *TimeoutError so callers can
// still inspect what arrived.
func (c *Conn) Send(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	select {
	case <-c.closeCh:
		return nil, ErrClosed
	default:
	}

	c.drain()
	if err := c.port.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush stale input")
	}

	logrus.WithField("cmd", cmd).Debug("tx")
	if _, err := c.port.Write([]byte(cmd + "\n")); err != nil {
		return nil, errors.Wrapf(err, "write %q", cmd)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	resp := &Response{}
	var cmdErr error
	for {
		select {
		case ln, ok := <-c.lines:
			if !ok {
				return resp, c.closedErr()
			}
			resp.Lines = append(resp.Lines, ln)
			if cmdErr == nil && strings.HasPrefix(ln, "Error") {
				cmdErr = errors.New(ln)
			}
			if strings.HasPrefix(ln, ackPrefix) {
				resp.Ack = true
				return resp, cmdErr
			}
		case <-timer.C:
			return resp, &TimeoutError{Cmd: cmd, After: timeout}
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-c.closeCh:
			return resp, ErrClosed
		}
	}
}

// drain empties lines buffered since the last command completed.
func (c *Conn) drain() {
	for {
		select {
		case ln, ok := <-c.lines:
			if !ok {
				return
			}
			logrus.WithField("line", ln).Trace("drop stale")
		default:
			return
		}
	}
}

func (c *Conn) closedErr() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.readErr != nil {
		return errors.Wrap(c.readErr, "read from port")
	}
	return ErrClosed
}

// Close releases the port. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.port.Close()
	})
	return err
}
