package ubuf

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-log/log"
)

// SessionState is the lifecycle state of the session's connection.
type SessionState int

const (
	StateOpen SessionState = iota
	StateHandshaking
	StateTransferring
	StateClosingGraceful
	StateClosingError
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateHandshaking:
		return "Handshaking"
	case StateTransferring:
		return "Transferring"
	case StateClosingGraceful:
		return "ClosingGraceful"
	case StateClosingError:
		return "ClosingError"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Stats holds the per-session counters.
type Stats struct {
	BlocksSent     uint64
	BlocksReceived uint64
	// BytesRead is plaintext read from the local source (sender).
	BytesRead uint64
	// BytesWritten is plaintext written to the local sink (receiver).
	BytesWritten uint64
}

// SessionOptions describes the options for a Session.
type SessionOptions struct {
	BlockSize        int
	Compress         bool
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	Linger           time.Duration
}

// SessionOption allows a common way to set SessionOptions.
type SessionOption func(opts *SessionOptions)

// BlockSizeOption sets the largest plaintext chunk per block. Both peers
// must use the same value.
func BlockSizeOption(n int) SessionOption {
	return func(opts *SessionOptions) {
		opts.BlockSize = n
	}
}

// CompressOption enables snappy compression of outgoing blocks.
func CompressOption(b bool) SessionOption {
	return func(opts *SessionOptions) {
		opts.Compress = b
	}
}

// HandshakeTimeoutOption bounds the duration of the handshake.
func HandshakeTimeoutOption(timeout time.Duration) SessionOption {
	return func(opts *SessionOptions) {
		opts.HandshakeTimeout = timeout
	}
}

// AckTimeoutOption bounds the sender's wait for the final Acknowledge.
func AckTimeoutOption(timeout time.Duration) SessionOption {
	return func(opts *SessionOptions) {
		opts.AckTimeout = timeout
	}
}

// LingerOption bounds how long the receiver keeps the connection open after
// the Acknowledge, so the transport can deliver it before the close. A
// negative value closes right away.
func LingerOption(d time.Duration) SessionOption {
	return func(opts *SessionOptions) {
		opts.Linger = d
	}
}

// Session is one handshake, transfer and teardown over one connection.
// It owns the connection and closes it exactly once when Send or Receive
// returns. A Session can be run only once.
type Session struct {
	conn    net.Conn
	key     Key
	options SessionOptions
	framer  *Framer

	mu      sync.Mutex
	state   SessionState
	stats   Stats
	started bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session over conn with the pre-shared key.
func NewSession(conn net.Conn, key Key, opts ...SessionOption) (*Session, error) {
	options := SessionOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.BlockSize == 0 {
		options.BlockSize = DefaultBlockSize
	}
	if options.BlockSize < 0 || options.BlockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d out of range (1..%d)", options.BlockSize, MaxBlockSize)
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = HandshakeTimeout
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = AckTimeout
	}
	if options.Linger == 0 {
		options.Linger = LingerTimeout
	}

	return &Session{
		conn:    conn,
		key:     key,
		options: options,
		framer:  NewFramer(conn, options.BlockSize+Overhead),
	}, nil
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if Debug {
		log.Logf("[session] %s: %s -> %s", s.conn.RemoteAddr(), prev, state)
	}
}

func (s *Session) updateStats(f func(st *Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Send runs the sender role: handshake, stream src until EOF, then
// Goodbye/Acknowledge. The connection is closed on return.
func (s *Session) Send(ctx context.Context, src io.Reader) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	stop := s.watch(ctx)
	defer func() {
		stop()
		err = s.finish(ctx, err)
	}()

	c, err := s.handshake(RoleSender)
	if err != nil {
		return &SessionError{Phase: PhaseHandshake, Err: err}
	}

	s.setState(StateTransferring)
	if err := s.sendBlocks(c, src); err != nil {
		return &SessionError{Phase: PhaseTransfer, Err: err}
	}

	if err := s.hangup(); err != nil {
		return &SessionError{Phase: PhaseTeardown, Err: err}
	}
	return nil
}

// Receive runs the receiver role: handshake, write every block to dst
// until Goodbye, then Acknowledge. The connection is closed on return.
func (s *Session) Receive(ctx context.Context, dst io.Writer) (err error) {
	if err := s.begin(); err != nil {
		return err
	}
	stop := s.watch(ctx)
	defer func() {
		stop()
		err = s.finish(ctx, err)
	}()

	c, err := s.handshake(RoleReceiver)
	if err != nil {
		return &SessionError{Phase: PhaseHandshake, Err: err}
	}

	s.setState(StateTransferring)
	if err := s.recvBlocks(c, dst); err != nil {
		return &SessionError{Phase: PhaseTransfer, Err: err}
	}

	if err := s.framer.WriteMessage(MsgAcknowledge, 0, nil); err != nil {
		return &SessionError{Phase: PhaseTeardown, Err: err}
	}
	s.linger()
	return nil
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSessionUsed
	}
	s.started = true
	return nil
}

// watch closes the connection when ctx is done so blocked I/O returns.
func (s *Session) watch(ctx context.Context) (stop func()) {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (s *Session) finish(ctx context.Context, err error) error {
	if err != nil {
		s.setState(StateClosingError)
	} else {
		s.setState(StateClosingGraceful)
	}
	s.close()
	s.setState(StateClosed)

	if err != nil && ctx != nil && ctx.Err() != nil {
		if se, ok := err.(*SessionError); ok {
			se.Err = &joinedError{kind: ctx.Err(), cause: se.Err}
		}
	}
	return err
}

func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) handshake(role Role) (*Cipher, error) {
	s.setState(StateHandshaking)

	s.conn.SetDeadline(time.Now().Add(s.options.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	return newHandshake(s.framer, s.key, role).run()
}

// linger waits for the sender to close after reading the Acknowledge.
// Closing first could drop the Acknowledge on transports without a
// graceful close, such as KCP. Anything read meanwhile is discarded.
func (s *Session) linger() {
	if s.options.Linger < 0 {
		return
	}
	s.conn.SetReadDeadline(time.Now().Add(s.options.Linger))
	b := make([]byte, 512)
	for {
		if _, err := s.conn.Read(b); err != nil {
			if Debug {
				log.Logf("[session] %s: linger done: %v", s.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// hangup sends Goodbye and waits for the receiver's Acknowledge.
func (s *Session) hangup() error {
	if err := s.framer.WriteMessage(MsgGoodbye, 0, nil); err != nil {
		return err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.options.AckTimeout))
	if _, err := s.framer.ReadMessage(MsgAcknowledge); err != nil {
		return err
	}
	return nil
}
