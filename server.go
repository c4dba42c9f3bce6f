package ubuf

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/go-log/log"
)

// Listener is a network endpoint the receiver accepts its connection on.
type Listener interface {
	net.Listener
}

// Server is the receiving side of a transfer. It accepts exactly one
// connection, stops the listener and runs one receiver session.
type Server struct {
	Listener Listener
	Key      Key
	Options  []SessionOption
}

// Addr returns the address of the server
func (s *Server) Addr() net.Addr {
	return s.Listener.Addr()
}

// Close closes the server
func (s *Server) Close() error {
	return s.Listener.Close()
}

// Receive waits for the sender and writes the transfer to dst.
func (s *Server) Receive(ctx context.Context, dst io.Writer) (Stats, error) {
	if s.Listener == nil {
		return Stats{}, errors.New("server: no listener")
	}

	conn, err := s.acceptOne(ctx)
	if err != nil {
		return Stats{}, &SessionError{Phase: PhaseHandshake, Err: transportErr("accept", err)}
	}
	log.Logf("[server] %s <- %s", s.Listener.Addr(), conn.RemoteAddr())

	sess, err := NewSession(conn, s.Key, s.Options...)
	if err != nil {
		conn.Close()
		return Stats{}, err
	}
	err = sess.Receive(ctx, dst)
	st := sess.Stats()
	if err != nil {
		log.Logf("[server] %s: %s", conn.RemoteAddr(), err)
	} else {
		log.Logf("[server] %s: received %d blocks, %d bytes", conn.RemoteAddr(), st.BlocksReceived, st.BytesWritten)
	}
	return st, err
}

// acceptOne accepts a single connection and closes the listener, so no
// further peer can connect for the lifetime of the process.
func (s *Server) acceptOne(ctx context.Context) (net.Conn, error) {
	l := s.Listener
	defer l.Close()

	if ctx != nil && ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				l.Close()
			case <-done:
			}
		}()
	}

	var tempDelay time.Duration
	for {
		conn, e := l.Accept()
		if e != nil {
			if ctx != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ne, ok := e.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Logf("server: Accept error: %v; retrying in %v", e, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return nil, e
		}
		return conn, nil
	}
}

type tcpListener struct {
	net.Listener
}

// TCPListener creates a Listener for a TCP receiver.
func TCPListener(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{Listener: ln}, nil
}
