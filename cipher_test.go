package ubuf

import (
	"bytes"
	"errors"
	"testing"
)

func testCiphers(t *testing.T, sendKey, recvKey Key, nonce Nonce) (*Cipher, *Cipher) {
	t.Helper()
	s, err := NewCipher(sendKey, nonce, RoleSender)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewCipher(recvKey, nonce, RoleReceiver)
	if err != nil {
		t.Fatal(err)
	}
	return s, r
}

func TestCipherRoundtrip(t *testing.T) {
	var nonce Nonce
	nonce[0] = 7
	s, r := testCiphers(t, testKey(1), testKey(1), nonce)
	ad := []byte("header")

	for _, n := range []int{0, 1, 100, DefaultBlockSize} {
		plain := randomData(n)
		sealed := s.Seal(uint64(n), plain, ad)
		if len(sealed) != n+Overhead {
			t.Fatalf("sealed %d bytes: got %d, want %d", n, len(sealed), n+Overhead)
		}
		got, err := r.Open(uint64(n), sealed, ad)
		if err != nil {
			t.Fatalf("open %d bytes: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("open %d bytes: plaintext mismatch", n)
		}
	}

	// receiver to sender
	sealed := r.Seal(1, []byte("ack"), nil)
	got, err := s.Open(1, sealed, nil)
	if err != nil || string(got) != "ack" {
		t.Fatalf("reverse direction: %q, %v", got, err)
	}
}

func TestCipherDirections(t *testing.T) {
	var nonce Nonce
	s, r := testCiphers(t, testKey(1), testKey(1), nonce)

	// a message sealed by one side does not open as the other side's own.
	sealed := s.Seal(1, []byte("hello"), nil)
	if _, err := s.Open(1, sealed, nil); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("reflected message: got %v, want %v", err, ErrDecryptionFailure)
	}
	if bytes.Equal(sealed, r.Seal(1, []byte("hello"), nil)) {
		t.Error("both directions produce the same ciphertext")
	}
}

func TestCipherOpenFailure(t *testing.T) {
	var nonce, other Nonce
	other[15] = 1
	s, r := testCiphers(t, testKey(1), testKey(1), nonce)
	ad := []byte("header")
	sealed := s.Seal(3, []byte("some block"), ad)

	_, wrongKey := testCiphers(t, testKey(1), testKey(2), nonce)
	_, wrongNonce := testCiphers(t, testKey(1), testKey(1), other)

	corrupted := append([]byte(nil), sealed...)
	corrupted[0] ^= 0x80
	tag := append([]byte(nil), sealed...)
	tag[len(tag)-1] ^= 0x01

	tests := []struct {
		name string
		c    *Cipher
		seq  uint64
		b    []byte
		ad   []byte
	}{
		{"key mismatch", wrongKey, 3, sealed, ad},
		{"nonce mismatch", wrongNonce, 3, sealed, ad},
		{"seq mismatch", r, 4, sealed, ad},
		{"ad mismatch", r, 3, sealed, []byte("Header")},
		{"corrupted ciphertext", r, 3, corrupted, ad},
		{"corrupted tag", r, 3, tag, ad},
		{"truncated", r, 3, sealed[:len(sealed)-1], ad},
		{"shorter than tag", r, 3, sealed[:Overhead-1], ad},
		{"empty", r, 3, nil, ad},
	}
	for _, tc := range tests {
		got, err := tc.c.Open(tc.seq, tc.b, tc.ad)
		if !errors.Is(err, ErrDecryptionFailure) {
			t.Errorf("%s: got error %v, want %v", tc.name, err, ErrDecryptionFailure)
		}
		if got != nil {
			t.Errorf("%s: got plaintext %q, want none", tc.name, got)
		}
	}
}

func TestSeqNonce(t *testing.T) {
	n := seqNonce(0x0102030405060708)
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(n, want) {
		t.Errorf("got %x, want %x", n, want)
	}
}
