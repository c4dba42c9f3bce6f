package ubuf

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/go-log/log"
)

// Client is the sending side of a transfer.
// It dials the receiver with its Transporter and runs one sender session.
type Client struct {
	Transporter Transporter
	Key         Key
	Options     []SessionOption
	// Timeout bounds the dial. Zero means DialTimeout.
	Timeout time.Duration
}

// Send connects to addr and streams src to the receiver. It returns the
// session counters of the run, also when the run failed.
func (c *Client) Send(ctx context.Context, addr string, src io.Reader) (Stats, error) {
	tr := c.Transporter
	if tr == nil {
		tr = KCPTransporter(nil)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DialTimeout
	}
	conn, err := tr.Dial(addr, TimeoutDialOption(timeout))
	if err != nil {
		return Stats{}, &SessionError{Phase: PhaseHandshake, Err: transportErr("dial", err)}
	}
	log.Logf("[client] %s -> %s", conn.LocalAddr(), addr)

	sess, err := NewSession(conn, c.Key, c.Options...)
	if err != nil {
		conn.Close()
		return Stats{}, err
	}
	err = sess.Send(ctx, src)
	st := sess.Stats()
	if err != nil {
		log.Logf("[client] %s: %s", addr, err)
	} else {
		log.Logf("[client] %s: sent %d blocks, %d bytes", addr, st.BlocksSent, st.BytesRead)
	}
	return st, err
}

// Transporter is responsible for establishing the connection to the receiver.
type Transporter interface {
	Dial(addr string, options ...DialOption) (net.Conn, error)
}

// tcpTransporter is a raw TCP transporter.
type tcpTransporter struct{}

// TCPTransporter creates a raw TCP client.
func TCPTransporter() Transporter {
	return &tcpTransporter{}
}

func (tr *tcpTransporter) Dial(addr string, options ...DialOption) (net.Conn, error) {
	opts := &DialOptions{}
	for _, option := range options {
		option(opts)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DialTimeout
	}
	return net.DialTimeout("tcp", addr, timeout)
}

// DialOptions describes the options for Transporter.Dial.
type DialOptions struct {
	Timeout time.Duration
}

// DialOption allows a common way to set DialOptions.
type DialOption func(opts *DialOptions)

// TimeoutDialOption specifies the timeout used by Transporter.Dial
func TimeoutDialOption(timeout time.Duration) DialOption {
	return func(opts *DialOptions) {
		opts.Timeout = timeout
	}
}
