package ubuf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Overhead is the number of bytes a sealed message adds to its plaintext.
	Overhead = 16

	gcmNonceSize = 12

	labelSenderToReceiver = "ubuf-v1 sender->receiver"
	labelReceiverToSender = "ubuf-v1 receiver->sender"
)

// Role is the side of a session.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Cipher seals and opens messages for one session. Each direction has its
// own key derived from the session key and nonce; the per-message GCM nonce
// is the message sequence number, so a Cipher keeps no mutable state.
type Cipher struct {
	seal cipher.AEAD
	open cipher.AEAD
}

// NewCipher derives the directional keys for role from key and nonce.
func NewCipher(key Key, nonce Nonce, role Role) (*Cipher, error) {
	s2r, err := newAEAD(key, nonce, labelSenderToReceiver)
	if err != nil {
		return nil, err
	}
	r2s, err := newAEAD(key, nonce, labelReceiverToSender)
	if err != nil {
		return nil, err
	}
	if role == RoleReceiver {
		return &Cipher{seal: r2s, open: s2r}, nil
	}
	return &Cipher{seal: s2r, open: r2s}, nil
}

func newAEAD(key Key, nonce Nonce, label string) (cipher.AEAD, error) {
	var sub [32]byte
	r := hkdf.New(sha256.New, key[:], nonce[:], []byte(label))
	if _, err := io.ReadFull(r, sub[:]); err != nil {
		return nil, err
	}
	b, err := aes.NewCipher(sub[:])
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(b)
	if err != nil {
		return nil, err
	}
	if a.NonceSize() != gcmNonceSize || a.Overhead() != Overhead {
		return nil, fmt.Errorf("unexpected gcm parameters: nonce %d, overhead %d", a.NonceSize(), a.Overhead())
	}
	return a, nil
}

func seqNonce(seq uint64) []byte {
	nonce := make([]byte, gcmNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts plaintext as message seq of the outgoing direction.
// ad is authenticated but not encrypted.
func (c *Cipher) Seal(seq uint64, plaintext, ad []byte) []byte {
	return c.seal.Seal(nil, seqNonce(seq), plaintext, ad)
}

// Open decrypts message seq of the incoming direction. Any failure yields
// ErrDecryptionFailure and no plaintext.
func (c *Cipher) Open(seq uint64, ciphertext, ad []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the tag", ErrDecryptionFailure, len(ciphertext))
	}
	plain, err := c.open.Open(nil, seqNonce(seq), ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d", ErrDecryptionFailure, seq)
	}
	return plain, nil
}
