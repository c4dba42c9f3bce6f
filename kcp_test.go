package ubuf

import (
	"errors"
	"testing"
	"time"
)

func TestTransferOverKCP(t *testing.T) {
	for _, n := range []int{0, 1, 256 * 1024} {
		ln, err := KCPListener("127.0.0.1:0", nil)
		if err != nil {
			t.Fatal(err)
		}
		data := randomData(n)
		checkRoundtrip(t, transferRoundtrip(KCPTransporter(nil), ln, data), data)
	}
}

func TestTransferOverKCPModes(t *testing.T) {
	for _, mode := range []string{"normal", "fast3"} {
		config := &KCPConfig{
			Key:       "ubuf test",
			Crypt:     "salsa20",
			Mode:      mode,
			DataShard: 0,
			KeepAlive: 1,
			Linger:    1,
		}
		ln, err := KCPListener("127.0.0.1:0", config)
		if err != nil {
			t.Fatal(err)
		}
		trConfig := *config
		data := randomData(64 * 1024)
		checkRoundtrip(t, transferRoundtrip(KCPTransporter(&trConfig), ln, data, CompressOption(true)), data)
	}
}

func TestKCPConfigInit(t *testing.T) {
	c := &KCPConfig{Mode: "fast2"}
	c.Init()
	if c.NoDelay != 1 || c.Interval != 20 || c.Resend != 2 || c.NoCongestion != 1 {
		t.Errorf("fast2: got %+v", c)
	}
	if c.MTU != DefaultKCPConfig.MTU || c.SndWnd != DefaultKCPConfig.SndWnd || c.SockBuf != DefaultKCPConfig.SockBuf {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestSmuxConfig(t *testing.T) {
	c := DefaultKCPConfig
	sc := smuxConfig(&c)
	if sc.KeepAliveDisabled {
		t.Error("keepalive should be enabled")
	}
	if sc.KeepAliveTimeout < 3*sc.KeepAliveInterval {
		t.Errorf("keepalive timeout %v for interval %v", sc.KeepAliveTimeout, sc.KeepAliveInterval)
	}

	c.KeepAlive = 0
	if !smuxConfig(&c).KeepAliveDisabled {
		t.Error("keepalive should be disabled")
	}
}

func TestKCPListenerClose(t *testing.T) {
	ln, err := KCPListener("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Error("accept on closed listener should fail")
	}
	// closing twice is harmless
	if err := ln.Close(); err != nil {
		t.Error(err)
	}
}

func TestBlockCrypt(t *testing.T) {
	for _, crypt := range []string{"sm4", "tea", "xor", "none", "aes-128", "aes-192", "blowfish", "twofish", "cast5", "3des", "xtea", "salsa20", "aes", ""} {
		if blockCrypt("key", crypt, KCPSalt) == nil {
			t.Errorf("%q: no block crypt", crypt)
		}
	}
}

func TestDialKCPTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := dialKCPTimeout("127.0.0.1:1", 100*time.Millisecond, func() (*kcpConn, error) {
		<-release
		return nil, errors.New("too late")
	})
	if err == nil {
		t.Fatal("blocked dial should time out")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("timeout took %v", d)
	}

	errDial := errors.New("refused")
	if _, err := dialKCPTimeout("127.0.0.1:1", time.Second, func() (*kcpConn, error) {
		return nil, errDial
	}); err != errDial {
		t.Errorf("got %v, want %v", err, errDial)
	}
}

func TestKCPSenderGetsAck(t *testing.T) {
	for i := 0; i < 3; i++ {
		ln, err := KCPListener("127.0.0.1:0", nil)
		if err != nil {
			t.Fatal(err)
		}
		res := transferRoundtrip(KCPTransporter(nil), ln, randomData(1000), LingerOption(200*time.Millisecond))
		if res.sendErr != nil {
			t.Fatalf("#%d sender: %v", i, res.sendErr)
		}
		if res.recvErr != nil {
			t.Fatalf("#%d receiver: %v", i, res.recvErr)
		}
	}
}
