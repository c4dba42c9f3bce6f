package ubuf

import (
	"bytes"
	"io"
	"testing"
)

func TestTransferOverWS(t *testing.T) {
	for _, n := range []int{0, 1, 512 * 1024} {
		ln, err := WSListener("127.0.0.1:0", nil)
		if err != nil {
			t.Fatal(err)
		}
		data := randomData(n)
		checkRoundtrip(t, transferRoundtrip(WSTransporter(nil), ln, data), data)
	}
}

func TestTransferOverWSPath(t *testing.T) {
	opts := &WSOptions{Path: "/transfer", EnableCompression: true}
	ln, err := WSListener("127.0.0.1:0", opts)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("ws"), 100000)
	checkRoundtrip(t, transferRoundtrip(WSTransporter(opts), ln, data), data)
}

func TestWSWrongPath(t *testing.T) {
	ln, err := WSListener("127.0.0.1:0", &WSOptions{Path: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := WSTransporter(&WSOptions{Path: "/b"}).Dial(ln.Addr().String()); err == nil {
		t.Error("dial to a wrong path should fail")
	}
}

func TestWSConnStream(t *testing.T) {
	ln, err := WSListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, conn)
		errc <- err
	}()

	conn, err := WSTransporter(nil).Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	// two messages read back in small pieces
	conn.Write([]byte("hello "))
	conn.Write([]byte("world"))
	buf := make([]byte, 11)
	for i := 0; i < len(buf); i += 3 {
		end := i + 3
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := io.ReadFull(conn, buf[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	if string(buf) != "hello world" {
		t.Errorf("got %q", buf)
	}
	conn.Close()
	<-errc
}
