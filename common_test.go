package ubuf

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"
)

func init() {
	SetLogger(&NopLogger{})
	// Debug = true
	DialTimeout = 2 * time.Second
	HandshakeTimeout = 2 * time.Second
	AckTimeout = 5 * time.Second
	LingerTimeout = time.Second
}

func testKey(b byte) Key {
	var k Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return k
}

func randomData(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// syncBuffer is a bytes.Buffer safe to inspect while a session writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// flushBuffer counts Flush calls.
type flushBuffer struct {
	syncBuffer
	flushes int
}

func (b *flushBuffer) Flush() error {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()
	return nil
}

// tamperConn flips one bit of the n-th byte written to it.
type tamperConn struct {
	net.Conn
	mu      sync.Mutex
	written int
	at      int
}

func (c *tamperConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.at >= c.written && c.at < c.written+len(b) {
		b = append([]byte(nil), b...)
		b[c.at-c.written] ^= 0x01
	}
	c.written += len(b)
	c.mu.Unlock()
	return c.Conn.Write(b)
}

// closeCountConn records how often it was closed.
type closeCountConn struct {
	net.Conn
	mu     sync.Mutex
	closes int
}

func (c *closeCountConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *closeCountConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type transferResult struct {
	sendErr  error
	recvErr  error
	sent     Stats
	received Stats
	output   []byte
}

// pipeTransfer runs a sender and a receiver session over an in-memory pipe.
func pipeTransfer(ctx context.Context, sendKey, recvKey Key, data []byte, opts ...SessionOption) transferResult {
	c1, c2 := net.Pipe()
	return connTransfer(ctx, c1, c2, sendKey, recvKey, data, opts...)
}

func connTransfer(ctx context.Context, sconn, rconn net.Conn, sendKey, recvKey Key, data []byte, opts ...SessionOption) transferResult {
	var res transferResult

	sender, err := NewSession(sconn, sendKey, opts...)
	if err != nil {
		res.sendErr = err
		return res
	}
	receiver, err := NewSession(rconn, recvKey, opts...)
	if err != nil {
		res.recvErr = err
		return res
	}

	out := &syncBuffer{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res.recvErr = receiver.Receive(ctx, out)
	}()
	res.sendErr = sender.Send(ctx, bytes.NewReader(data))
	wg.Wait()

	res.sent = sender.Stats()
	res.received = receiver.Stats()
	res.output = out.Bytes()
	return res
}
