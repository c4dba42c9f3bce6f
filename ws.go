package ubuf

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-log/log"
	"github.com/gorilla/websocket"
)

const (
	defaultWSPath = "/ubuf"
)

// DefaultUserAgent is the User-Agent header sent by the websocket transporter.
var DefaultUserAgent = "ubuf/" + Version

// WSOptions describes the options for websocket.
type WSOptions struct {
	ReadBufferSize    int
	WriteBufferSize   int
	HandshakeTimeout  time.Duration
	EnableCompression bool
	UserAgent         string
	Path              string
}

type wsTransporter struct {
	options *WSOptions
}

// WSTransporter creates a Transporter that reaches the receiver over websocket.
func WSTransporter(opts *WSOptions) Transporter {
	if opts == nil {
		opts = &WSOptions{}
	}
	return &wsTransporter{
		options: opts,
	}
}

func (tr *wsTransporter) Dial(addr string, options ...DialOption) (net.Conn, error) {
	opts := &DialOptions{}
	for _, option := range options {
		option(opts)
	}

	timeout := tr.options.HandshakeTimeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	if timeout <= 0 {
		timeout = DialTimeout
	}

	path := tr.options.Path
	if path == "" {
		path = defaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}

	dialer := websocket.Dialer{
		ReadBufferSize:    tr.options.ReadBufferSize,
		WriteBufferSize:   tr.options.WriteBufferSize,
		HandshakeTimeout:  timeout,
		EnableCompression: tr.options.EnableCompression,
	}
	header := http.Header{}
	header.Set("User-Agent", DefaultUserAgent)
	if tr.options.UserAgent != "" {
		header.Set("User-Agent", tr.options.UserAgent)
	}
	c, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return websocketConn(c), nil
}

type wsListener struct {
	addr     net.Addr
	upgrader *websocket.Upgrader
	srv      *http.Server
	connChan chan net.Conn
	errChan  chan error
}

// WSListener creates a Listener for a websocket receiver.
func WSListener(addr string, options *WSOptions) (Listener, error) {
	if options == nil {
		options = &WSOptions{}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		addr: ln.Addr(),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:    options.ReadBufferSize,
			WriteBufferSize:   options.WriteBufferSize,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: options.EnableCompression,
		},
		connChan: make(chan net.Conn, 1),
		errChan:  make(chan error, 1),
	}

	path := options.Path
	if path == "" {
		path = defaultWSPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, http.HandlerFunc(l.upgrade))
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		err := l.srv.Serve(ln)
		if err != nil {
			l.errChan <- err
		}
		close(l.errChan)
	}()

	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	log.Logf("[ws] %s -> %s", r.RemoteAddr, l.addr)
	if Debug {
		dump, _ := httputil.DumpRequest(r, false)
		log.Log(string(dump))
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Logf("[ws] %s - %s : %s", r.RemoteAddr, l.addr, err)
		return
	}
	select {
	case l.connChan <- websocketConn(conn):
	default:
		conn.Close()
		log.Logf("[ws] %s - %s: connection queue is full", r.RemoteAddr, l.addr)
	}
}

func (l *wsListener) Accept() (conn net.Conn, err error) {
	var ok bool
	select {
	case conn = <-l.connChan:
	case err, ok = <-l.errChan:
		if !ok {
			err = errors.New("accept on closed listener")
		}
	}
	return
}

// Close stops the http server. Upgraded connections are hijacked and stay open.
func (l *wsListener) Close() error {
	return l.srv.Close()
}

func (l *wsListener) Addr() net.Addr {
	return l.addr
}

// wsConn turns a message-oriented websocket connection into a byte stream.
// Every Write is one binary message.
type wsConn struct {
	conn *websocket.Conn
	rb   []byte
}

func websocketConn(conn *websocket.Conn) net.Conn {
	return &wsConn{
		conn: conn,
	}
}

func (c *wsConn) Read(b []byte) (n int, err error) {
	for len(c.rb) == 0 {
		var mt int
		mt, c.rb, err = c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			return 0, errors.New("unexpected ws text message")
		}
	}
	n = copy(b, c.rb)
	c.rb = c.rb[n:]
	return
}

func (c *wsConn) Write(b []byte) (n int, err error) {
	err = c.conn.WriteMessage(websocket.BinaryMessage, b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
