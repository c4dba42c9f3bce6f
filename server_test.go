package ubuf

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type roundtripResult struct {
	sendErr  error
	recvErr  error
	sent     Stats
	received Stats
	output   []byte
}

// transferRoundtrip sends data from a Client over tr to a Server on ln.
func transferRoundtrip(tr Transporter, ln Listener, data []byte, opts ...SessionOption) roundtripResult {
	var res roundtripResult

	server := &Server{
		Listener: ln,
		Key:      testKey(5),
		Options:  opts,
	}
	client := &Client{
		Transporter: tr,
		Key:         testKey(5),
		Options:     opts,
	}

	out := &syncBuffer{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		res.received, res.recvErr = server.Receive(context.Background(), out)
	}()

	res.sent, res.sendErr = client.Send(context.Background(), ln.Addr().String(), bytes.NewReader(data))
	<-done
	res.output = out.Bytes()
	return res
}

func checkRoundtrip(t *testing.T, res roundtripResult, data []byte) {
	t.Helper()
	if res.sendErr != nil || res.recvErr != nil {
		t.Fatalf("sender: %v, receiver: %v", res.sendErr, res.recvErr)
	}
	if !bytes.Equal(res.output, data) {
		t.Fatalf("output mismatch: got %d bytes, want %d", len(res.output), len(data))
	}
	if res.sent.BlocksSent != res.received.BlocksReceived {
		t.Errorf("blocks sent %d, received %d", res.sent.BlocksSent, res.received.BlocksReceived)
	}
}

func TestTransferOverTCP(t *testing.T) {
	for _, n := range []int{0, 1, 64 * 1024, 1024 * 1024} {
		ln, err := TCPListener("127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		data := randomData(n)
		checkRoundtrip(t, transferRoundtrip(TCPTransporter(), ln, data), data)
	}
}

func TestTransferOverTCPCompress(t *testing.T) {
	ln, err := TCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("0123456789"), 100000)
	checkRoundtrip(t, transferRoundtrip(TCPTransporter(), ln, data, CompressOption(true)), data)
}

func TestServerAcceptsOnce(t *testing.T) {
	ln, err := TCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	data := randomData(1000)
	checkRoundtrip(t, transferRoundtrip(TCPTransporter(), ln, data), data)

	// the listener is gone once the first connection was accepted
	client := &Client{Transporter: TCPTransporter(), Key: testKey(5)}
	_, err = client.Send(context.Background(), addr, bytes.NewReader(data))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("got %v, want %v", err, ErrTransport)
	}
	if phase, _ := PhaseOf(err); phase != PhaseHandshake {
		t.Errorf("got phase %v", phase)
	}
}

func TestServerCancel(t *testing.T) {
	ln, err := TCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &Server{Listener: ln, Key: testKey(5)}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := server.Receive(ctx, &syncBuffer{})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestServerNoListener(t *testing.T) {
	if _, err := (&Server{}).Receive(context.Background(), &syncBuffer{}); err == nil {
		t.Error("server without listener should fail")
	}
}

func TestClientKeyMismatch(t *testing.T) {
	ln, err := TCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &Server{Listener: ln, Key: testKey(5)}
	client := &Client{Transporter: TCPTransporter(), Key: testKey(6)}

	errc := make(chan error, 1)
	out := &syncBuffer{}
	go func() {
		_, err := server.Receive(context.Background(), out)
		errc <- err
	}()
	_, err = client.Send(context.Background(), ln.Addr().String(), bytes.NewReader([]byte("secret")))
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Errorf("sender: got %v, want %v", err, ErrHandshakeFailure)
	}
	if err := <-errc; !errors.Is(err, ErrHandshakeFailure) {
		t.Errorf("receiver: got %v, want %v", err, ErrHandshakeFailure)
	}
	if len(out.Bytes()) != 0 {
		t.Error("receiver wrote data despite the failed handshake")
	}
}
