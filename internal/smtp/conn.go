package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// conn owns the socket of a single send. After STARTTLS the socket and both
// buffers are replaced together, so nothing buffered in plaintext survives
// the upgrade.
type conn struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	timeout time.Duration

	// mu guards the fields below; expire runs on the context's goroutine.
	mu      sync.Mutex
	netConn net.Conn
	expired bool
	closed  bool
}

func newConn(nc net.Conn, timeout time.Duration) *conn {
	return &conn{
		netConn: nc,
		reader:  bufio.NewReader(nc),
		writer:  bufio.NewWriter(nc),
		timeout: timeout,
	}
}

// arm pushes the idle deadline forward before every socket operation.
// Once the send is cancelled the deadline stays in the past.
func (c *conn) arm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.expired {
		return c.netConn.SetDeadline(time.Now())
	}
	return c.netConn.SetDeadline(time.Now().Add(c.timeout))
}

// readLine returns the next line without its trailing "\n" or "\r\n".
func (c *conn) readLine() (string, error) {
	if err := c.arm(); err != nil {
		return "", classifyIOError("set deadline", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", classifyIOError("read", err)
	}

	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// readResponse reads one complete, possibly multi-line, reply.
func (c *conn) readResponse() (Response, error) {
	return readResponse(c.readLine)
}

// write sends raw bytes and flushes them.
func (c *conn) write(s string) error {
	if err := c.arm(); err != nil {
		return classifyIOError("set deadline", err)
	}
	if _, err := c.writer.WriteString(s); err != nil {
		return classifyIOError("write", err)
	}
	if err := c.writer.Flush(); err != nil {
		return classifyIOError("write", err)
	}
	return nil
}

// cmd writes a command line and reads the reply.
func (c *conn) cmd(line string) (Response, error) {
	if err := c.write(line + "\r\n"); err != nil {
		return Response{}, err
	}
	return c.readResponse()
}

// expect sends line and checks the reply code. name is what ends up in the
// error message, so callers can hide secrets sent on the wire.
func (c *conn) expect(name, line string, codes ...int) (Response, error) {
	resp, err := c.cmd(line)
	if err != nil {
		return Response{}, err
	}
	for _, code := range codes {
		if resp.Code == code {
			return resp, nil
		}
	}
	return resp, &ProtocolError{Command: name, Response: resp}
}

// upgrade layers a TLS client over the current socket and swaps the reader
// and writer onto it.
func (c *conn) upgrade(ctx context.Context, config *tls.Config) error {
	if err := c.arm(); err != nil {
		return classifyIOError("set deadline", err)
	}

	c.mu.Lock()
	tlsConn := tls.Client(c.netConn, config)
	c.mu.Unlock()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return classifyIOError("TLS handshake", err)
	}

	c.mu.Lock()
	c.netConn = tlsConn
	c.mu.Unlock()
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	return nil
}

// expire makes any blocked read or write return immediately.
func (c *conn) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expired = true
	_ = c.netConn.SetDeadline(time.Now())
}

// close closes the current socket once. Closing a TLS connection also closes
// the TCP connection beneath it.
func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.netConn.Close()
}
