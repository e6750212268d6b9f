package cbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziutek/telnet"
)

const (
	// defaultWriteTimeout bounds a single line write.
	defaultWriteTimeout = 5 * time.Second

	// lineTerminator ends every command sent to C-Gate.
	lineTerminator = "\r\n"
)

// DialFunc opens the raw TCP connection for one channel.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

// defaultDial dials TCP with the context deadline.
func defaultDial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Response is one framed C-Gate reply.
//
// C-Gate replies with one or more lines that each start with a three digit
// status code. "NNN-" marks a continuation line and "NNN " the final one.
type Response struct {
	Lines []string
	Code  int
}

// Final returns the last line of the response.
func (r Response) Final() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1]
}

// OK reports whether the final status is 2xx or 3xx.
func (r Response) OK() bool {
	return r.Code >= 200 && r.Code < 400
}

// Channel is one line-oriented connection to C-Gate.
//
// Request holds the channel mutex across write and read so concurrent callers
// never interleave their exchanges. Each request carries a "[n]" tag that
// C-Gate echoes on every reply line; lines with another tag belong to an
// earlier request that timed out and are discarded. ReadLine is for the
// monitor channel and takes no lock.
type Channel struct {
	name string
	conn *telnet.Conn

	mu     sync.Mutex
	seq    uint64 // guarded by mu
	closed atomic.Bool

	writeTimeout time.Duration

	// onLost is called when a read or write hits end-of-stream.
	onLost func(ch *Channel, err error)
}

// NewChannel wraps an established connection.
func NewChannel(name string, conn net.Conn, onLost func(*Channel, error)) (*Channel, error) {
	tc, err := telnet.NewConn(conn)
	if err != nil {
		return nil, fmt.Errorf("telnet: %w", err)
	}
	return &Channel{
		name:         name,
		conn:         tc,
		writeTimeout: defaultWriteTimeout,
		onLost:       onLost,
	}, nil
}

// DialChannel opens a channel to address within ctx.
func DialChannel(ctx context.Context, dial DialFunc, name, address string, onLost func(*Channel, error)) (*Channel, error) {
	if dial == nil {
		dial = defaultDial
	}
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %w", ErrConnectionFailed, name, address, err)
	}
	ch, err := NewChannel(name, conn, onLost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return ch, nil
}

// Name returns the channel name (primary, secondary, monitor).
func (c *Channel) Name() string {
	return c.name
}

// WriteLine sends one command terminated by CRLF.
func (c *Channel) WriteLine(line string) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return c.fail(fmt.Errorf("set write deadline: %w", err))
	}
	if _, err := c.conn.Write([]byte(line + lineTerminator)); err != nil {
		return c.fail(fmt.Errorf("write %s: %w", c.name, err))
	}
	return nil
}

// ReadLine reads one line with CR/LF stripped. A zero timeout blocks.
func (c *Channel) ReadLine(timeout time.Duration) (string, error) {
	if err := c.setReadDeadline(timeout); err != nil {
		return "", err
	}
	line, err := c.conn.ReadString('\n')
	if err != nil {
		return strings.TrimRight(line, "\r\n"), c.fail(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadBanner waits for the "201" service-ready line.
func (c *Channel) ReadBanner(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: no banner on %s", ErrTimeout, c.name)
		}
		line, err := c.ReadLine(remaining)
		if err != nil {
			return "", fmt.Errorf("read banner on %s: %w", c.name, err)
		}
		if strings.HasPrefix(line, "201") {
			return line, nil
		}
	}
}

// Request sends cmd and reads the framed response. The read is bounded by
// timeout and by the context deadline, whichever is sooner.
func (c *Channel) Request(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	c.seq++
	tag := strconv.FormatUint(c.seq, 10)
	if err := c.WriteLine("[" + tag + "] " + cmd); err != nil {
		return Response{}, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var resp Response
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return resp, fmt.Errorf("%w: %q", ErrTimeout, cmd)
		}
		raw, err := c.ReadLine(remaining)
		if err != nil {
			return resp, fmt.Errorf("%q: %w", cmd, err)
		}
		lineTag, line, tagged := splitTag(raw)
		if !tagged || lineTag != tag {
			continue
		}
		if line == "" {
			continue
		}
		resp.Lines = append(resp.Lines, line)
		if code, final := statusCode(line); final {
			resp.Code = code
			return resp, nil
		}
	}
}

// Close closes the underlying connection. onLost is not called.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Channel) setReadDeadline(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return c.fail(fmt.Errorf("set read deadline: %w", err))
	}
	return nil
}

// fail classifies a transport error. Timeouts map to ErrTimeout; everything
// else means the stream is gone and onLost fires.
func (c *Channel) fail(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, c.name)
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %s closed", ErrNotConnected, c.name)
	}
	if c.onLost != nil {
		c.onLost(c, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: end of stream", ErrConnectionLost, c.name)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionLost, c.name, err)
}

// splitTag separates a "[tag] " prefix from a reply line.
func splitTag(line string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(line, "[") {
		return "", line, false
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return "", line, false
	}
	return line[1:end], strings.TrimLeft(line[end+1:], " "), true
}

// statusCode parses the leading three digit code of a response line and
// reports whether it is the final line of the response.
func statusCode(line string) (int, bool) {
	if len(line) < 3 {
		return 0, false
	}
	code := 0
	for i := 0; i < 3; i++ {
		ch := line[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		code = code*10 + int(ch-'0')
	}
	if len(line) == 3 || line[3] == ' ' {
		return code, true
	}
	return code, false
}
