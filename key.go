package ubuf

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/ioutil"

	"golang.org/x/crypto/hkdf"
)

const labelPacketKey = "ubuf-v1 kcp packet key"

const (
	// KeySize is the length of the pre-shared session key.
	KeySize = 32
	// NonceSize is the length of the per-session nonce chosen by the receiver.
	NonceSize = 16
)

// ErrInvalidKey indicates malformed key material.
var ErrInvalidKey = errors.New("invalid key")

// Key is the pre-shared secret. It is never sent over the wire.
type Key [KeySize]byte

// Nonce is the per-session value sent in the clear during the handshake.
type Nonce [NonceSize]byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// GenerateNonce returns a fresh random session nonce.
func GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

// ParseKey decodes a base64 key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace([]byte(s))))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// LoadKeyFile reads a base64 key from a file.
func LoadKeyFile(name string) (Key, error) {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return Key{}, err
	}
	return ParseKey(string(data))
}

// String returns the base64 form of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// PacketKey derives the KCP packet-layer password from the session key, so
// the two layers never share key material.
func (k Key) PacketKey() string {
	var b [KeySize]byte
	r := hkdf.New(sha256.New, k[:], nil, []byte(labelPacketKey))
	if _, err := io.ReadFull(r, b[:]); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b[:])
}
