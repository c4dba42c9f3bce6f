package ubuf

import (
	"crypto/sha1"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-log/log"
	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"github.com/xtaci/tcpraw"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// KCPSalt is the default salt for KCP cipher.
	KCPSalt = "kcp-go"
)

// KCPConfig describes the config for KCP.
type KCPConfig struct {
	Key          string `json:"key"`
	Crypt        string `json:"crypt"`
	Mode         string `json:"mode"`
	MTU          int    `json:"mtu"`
	SndWnd       int    `json:"sndwnd"`
	RcvWnd       int    `json:"rcvwnd"`
	DataShard    int    `json:"datashard"`
	ParityShard  int    `json:"parityshard"`
	DSCP         int    `json:"dscp"`
	AckNodelay   bool   `json:"acknodelay"`
	NoDelay      int    `json:"nodelay"`
	Interval     int    `json:"interval"`
	Resend       int    `json:"resend"`
	NoCongestion int    `json:"nc"`
	SockBuf      int    `json:"sockbuf"`
	KeepAlive    int    `json:"keepalive"`
	Linger       int    `json:"linger"` // Linger is the receiver's wait in seconds for the sender to hang up.
	SnmpLog      string `json:"snmplog"`
	SnmpPeriod   int    `json:"snmpperiod"`
	Signal       bool   `json:"signal"` // Signal enables the signal SIGUSR1 feature.
	TCP          bool   `json:"tcp"`    // TCP emulates a TCP connection with raw packets (linux only).
}

// Init initializes the KCP config.
func (c *KCPConfig) Init() {
	switch c.Mode {
	case "normal":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 40, 2, 1
	case "fast":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 30, 2, 1
	case "fast2":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 20, 2, 1
	case "fast3":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 10, 2, 1
	}
	if c.MTU <= 0 {
		c.MTU = DefaultKCPConfig.MTU
	}
	if c.SndWnd <= 0 {
		c.SndWnd = DefaultKCPConfig.SndWnd
	}
	if c.RcvWnd <= 0 {
		c.RcvWnd = DefaultKCPConfig.RcvWnd
	}
	if c.Interval <= 0 {
		c.Interval = DefaultKCPConfig.Interval
	}
	if c.SockBuf <= 0 {
		c.SockBuf = DefaultKCPConfig.SockBuf
	}
}

var (
	// DefaultKCPConfig is the default KCP config.
	DefaultKCPConfig = KCPConfig{
		Key:          "it's a secrect",
		Crypt:        "aes",
		Mode:         "fast",
		MTU:          1350,
		SndWnd:       1024,
		RcvWnd:       1024,
		DataShard:    10,
		ParityShard:  3,
		DSCP:         0,
		AckNodelay:   false,
		NoDelay:      0,
		Interval:     50,
		Resend:       0,
		NoCongestion: 0,
		SockBuf:      4194304,
		KeepAlive:    10,
		Linger:       5,
		SnmpLog:      "",
		SnmpPeriod:   60,
		Signal:       false,
		TCP:          false,
	}
)

type kcpTransporter struct {
	config *KCPConfig
}

// KCPTransporter creates a Transporter that dials a KCP receiver.
func KCPTransporter(config *KCPConfig) Transporter {
	if config == nil {
		config = &KCPConfig{}
		*config = DefaultKCPConfig
	}
	config.Init()

	go snmpLogger(config.SnmpLog, config.SnmpPeriod)
	if config.Signal {
		go kcpSigHandler()
	}

	return &kcpTransporter{
		config: config,
	}
}

func (tr *kcpTransporter) Dial(addr string, options ...DialOption) (net.Conn, error) {
	opts := &DialOptions{}
	for _, option := range options {
		option(opts)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DialTimeout
	}

	config := tr.config
	kc, err := dialKCPTimeout(addr, timeout, func() (*kcpConn, error) {
		block := blockCrypt(config.Key, config.Crypt, KCPSalt)
		if config.TCP {
			pc, err := tcpraw.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			sess, err := kcp.NewConn(addr, block, config.DataShard, config.ParityShard, pc)
			if err != nil {
				pc.Close()
				return nil, err
			}
			return &kcpConn{UDPSession: sess, pconn: pc}, nil
		}
		sess, err := kcp.DialWithOptions(addr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return nil, err
		}
		return &kcpConn{UDPSession: sess}, nil
	})
	if err != nil {
		return nil, err
	}
	tuneKCPSession(kc.UDPSession, config)

	session, err := smux.Client(kc, smuxConfig(config))
	if err != nil {
		kc.Close()
		return nil, err
	}
	stream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, err
	}
	return &muxStreamConn{Conn: kc, stream: stream, session: session}, nil
}

// dialKCPTimeout runs dial and gives up after timeout. A session that
// arrives late is closed.
func dialKCPTimeout(addr string, timeout time.Duration, dial func() (*kcpConn, error)) (*kcpConn, error) {
	type result struct {
		conn *kcpConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn: conn, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-timer.C:
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("kcp: dial %s: timeout after %v", addr, timeout)
	}
}

func tuneKCPSession(conn *kcp.UDPSession, config *KCPConfig) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
	conn.SetWindowSize(config.SndWnd, config.RcvWnd)
	conn.SetMtu(config.MTU)
	conn.SetACKNoDelay(config.AckNodelay)

	if config.DSCP > 0 {
		if err := conn.SetDSCP(config.DSCP); err != nil {
			log.Log("[kcp]", err)
		}
	}
	if err := conn.SetReadBuffer(config.SockBuf); err != nil {
		log.Log("[kcp]", err)
	}
	if err := conn.SetWriteBuffer(config.SockBuf); err != nil {
		log.Log("[kcp]", err)
	}
}

func smuxConfig(config *KCPConfig) *smux.Config {
	smuxConfig := smux.DefaultConfig()
	if config.SockBuf >= smuxConfig.MaxStreamBuffer {
		smuxConfig.MaxReceiveBuffer = config.SockBuf
	}
	if config.KeepAlive > 0 {
		smuxConfig.KeepAliveInterval = time.Duration(config.KeepAlive) * time.Second
		if smuxConfig.KeepAliveTimeout < 3*smuxConfig.KeepAliveInterval {
			smuxConfig.KeepAliveTimeout = 3 * smuxConfig.KeepAliveInterval
		}
	} else {
		smuxConfig.KeepAliveDisabled = true
	}
	return smuxConfig
}

type kcpListener struct {
	config   *KCPConfig
	ln       *kcp.Listener
	pconn    net.PacketConn
	connChan chan net.Conn
	errChan  chan error
	die      chan struct{}

	mu       sync.Mutex
	closed   bool
	active   int
	shutOnce sync.Once
	shutErr  error
}

// KCPListener creates a Listener for a KCP receiver.
//
// Sessions accepted from a KCP listener share its socket, so Close stops
// accepting right away but releases the socket only after the connections
// already handed out are closed.
func KCPListener(addr string, config *KCPConfig) (Listener, error) {
	if config == nil {
		config = &KCPConfig{}
		*config = DefaultKCPConfig
	}
	config.Init()

	block := blockCrypt(config.Key, config.Crypt, KCPSalt)

	var ln *kcp.Listener
	var pconn net.PacketConn
	var err error
	if config.TCP {
		pc, err := tcpraw.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		ln, err = kcp.ServeConn(block, config.DataShard, config.ParityShard, pc)
		if err != nil {
			pc.Close()
			return nil, err
		}
		pconn = pc
	} else {
		ln, err = kcp.ListenWithOptions(addr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return nil, err
		}
	}
	if config.DSCP > 0 {
		if err := ln.SetDSCP(config.DSCP); err != nil {
			log.Log("[kcp]", err)
		}
	}
	if err = ln.SetReadBuffer(config.SockBuf); err != nil {
		log.Log("[kcp]", err)
	}
	if err = ln.SetWriteBuffer(config.SockBuf); err != nil {
		log.Log("[kcp]", err)
	}

	go snmpLogger(config.SnmpLog, config.SnmpPeriod)
	if config.Signal {
		go kcpSigHandler()
	}

	l := &kcpListener{
		config:   config,
		ln:       ln,
		pconn:    pconn,
		connChan: make(chan net.Conn, 1),
		errChan:  make(chan error, 1),
		die:      make(chan struct{}),
	}
	go l.listenLoop()

	return l, nil
}

func (l *kcpListener) listenLoop() {
	for {
		conn, err := l.ln.AcceptKCP()
		if err != nil {
			if !l.isClosed() {
				log.Log("[kcp] accept:", err)
			}
			l.errChan <- err
			close(l.errChan)
			return
		}
		if l.isClosed() {
			log.Logf("[kcp] %s - %s: listener closed, rejected", conn.RemoteAddr(), l.Addr())
			conn.Close()
			continue
		}
		tuneKCPSession(conn, l.config)
		go l.mux(&kcpConn{UDPSession: conn})
	}
}

func (l *kcpListener) mux(conn *kcpConn) {
	log.Logf("[kcp] %s - %s", conn.RemoteAddr(), l.Addr())

	session, err := smux.Server(conn, smuxConfig(l.config))
	if err != nil {
		log.Log("[kcp]", err)
		conn.Close()
		return
	}

	stream, err := session.AcceptStream()
	if err != nil {
		log.Log("[kcp] accept stream:", err)
		session.Close()
		return
	}

	cc := &muxStreamConn{Conn: conn, stream: stream, session: session}
	if !l.acquire() {
		log.Logf("[kcp] %s - %s: listener closed, rejected", conn.RemoteAddr(), l.Addr())
		cc.Close()
		return
	}
	cc.onClose = l.release

	select {
	case l.connChan <- cc:
	default:
		cc.Close()
		log.Logf("[kcp] %s - %s: connection queue is full", conn.RemoteAddr(), conn.LocalAddr())
	}
}

func (l *kcpListener) Accept() (conn net.Conn, err error) {
	var ok bool
	select {
	case conn = <-l.connChan:
	case err, ok = <-l.errChan:
		if !ok {
			err = errors.New("accept on closed listener")
		}
	case <-l.die:
		err = errors.New("accept on closed listener")
	}
	return
}

func (l *kcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *kcpListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.die)
	active := l.active
	l.mu.Unlock()

	if active == 0 {
		return l.shutdown()
	}
	return nil
}

func (l *kcpListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *kcpListener) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.active++
	return true
}

func (l *kcpListener) release() {
	l.mu.Lock()
	l.active--
	done := l.closed && l.active == 0
	l.mu.Unlock()

	if done {
		l.shutdown()
	}
}

func (l *kcpListener) shutdown() error {
	l.shutOnce.Do(func() {
		l.shutErr = l.ln.Close()
		if l.pconn != nil {
			l.pconn.Close()
		}
	})
	return l.shutErr
}

func blockCrypt(key, crypt, salt string) (block kcp.BlockCrypt) {
	pass := pbkdf2.Key([]byte(key), []byte(salt), 4096, 32, sha1.New)

	switch crypt {
	case "sm4":
		block, _ = kcp.NewSM4BlockCrypt(pass[:16])
	case "tea":
		block, _ = kcp.NewTEABlockCrypt(pass[:16])
	case "xor":
		block, _ = kcp.NewSimpleXORBlockCrypt(pass)
	case "none":
		block, _ = kcp.NewNoneBlockCrypt(pass)
	case "aes-128":
		block, _ = kcp.NewAESBlockCrypt(pass[:16])
	case "aes-192":
		block, _ = kcp.NewAESBlockCrypt(pass[:24])
	case "blowfish":
		block, _ = kcp.NewBlowfishBlockCrypt(pass)
	case "twofish":
		block, _ = kcp.NewTwofishBlockCrypt(pass)
	case "cast5":
		block, _ = kcp.NewCast5BlockCrypt(pass[:16])
	case "3des":
		block, _ = kcp.NewTripleDESBlockCrypt(pass[:24])
	case "xtea":
		block, _ = kcp.NewXTEABlockCrypt(pass[:16])
	case "salsa20":
		block, _ = kcp.NewSalsa20BlockCrypt(pass)
	case "aes":
		fallthrough
	default: // aes
		block, _ = kcp.NewAESBlockCrypt(pass)
	}
	return
}

func snmpLogger(format string, interval int) {
	if format == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f, err := os.OpenFile(time.Now().Format(format), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Log("[kcp]", err)
				return
			}
			w := csv.NewWriter(f)
			// write header in empty file
			if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
				if err := w.Write(append([]string{"Unix"}, kcp.DefaultSnmp.Header()...)); err != nil {
					log.Log("[kcp]", err)
				}
			}
			if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, kcp.DefaultSnmp.ToSlice()...)); err != nil {
				log.Log("[kcp]", err)
			}
			kcp.DefaultSnmp.Reset()
			w.Flush()
			f.Close()
		}
	}
}

// kcpConn is a KCP session, optionally carried by a tcpraw packet conn
// that it owns.
type kcpConn struct {
	*kcp.UDPSession
	pconn net.PacketConn
}

func (c *kcpConn) Close() error {
	err := c.UDPSession.Close()
	if c.pconn != nil {
		c.pconn.Close()
	}
	return err
}

// muxStreamConn is the single smux stream carried by a KCP session.
type muxStreamConn struct {
	net.Conn
	stream  *smux.Stream
	session *smux.Session

	closeOnce sync.Once
	onClose   func()
}

func (c *muxStreamConn) Read(b []byte) (n int, err error) {
	return c.stream.Read(b)
}

func (c *muxStreamConn) Write(b []byte) (n int, err error) {
	return c.stream.Write(b)
}

func (c *muxStreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.Close()
		err = c.session.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

func (c *muxStreamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *muxStreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *muxStreamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
