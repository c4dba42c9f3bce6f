package ubuf

import (
	"crypto/subtle"
	"fmt"

	"github.com/go-log/log"
)

const (
	helloText = "ubuf hello v1\xde\xad\xbe\xef"
	// sealedHelloSize is the fixed payload length of a Hello message.
	sealedHelloSize = len(helloText) + Overhead
)

// helloMessage is the plaintext each side seals to prove it holds the key.
var helloMessage = []byte(helloText)

// helloSeq is the sequence number of the hello in each direction. Blocks
// start right after it.
const helloSeq uint64 = 0

// HandshakeState is the state of the handshake state machine.
type HandshakeState int

const (
	HandshakeStart HandshakeState = iota
	HandshakeNonceRequested
	HandshakeNonceKnown
	HandshakeHelloSent
	HandshakeHelloVerified
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeStart:
		return "Start"
	case HandshakeNonceRequested:
		return "NonceRequested"
	case HandshakeNonceKnown:
		return "NonceKnown"
	case HandshakeHelloSent:
		return "HelloSent"
	case HandshakeHelloVerified:
		return "HelloVerified"
	case HandshakeFailed:
		return "Failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// handshake drives the nonce exchange and the mutual hello for one role.
type handshake struct {
	framer *Framer
	key    Key
	role   Role
	state  HandshakeState
	nonce  Nonce
	cipher *Cipher
	// nonceFunc generates the receiver's nonce, replaced in tests.
	nonceFunc func() (Nonce, error)
}

func newHandshake(f *Framer, key Key, role Role) *handshake {
	return &handshake{
		framer:    f,
		key:       key,
		role:      role,
		nonceFunc: GenerateNonce,
	}
}

// run drives the state machine to HelloVerified or Failed.
func (hs *handshake) run() (*Cipher, error) {
	var err error
	if hs.role == RoleReceiver {
		err = hs.accept()
	} else {
		err = hs.initiate()
	}
	if err != nil {
		failedIn := hs.state
		hs.state = HandshakeFailed
		return nil, wrapErr(ErrHandshakeFailure, fmt.Errorf("%s in state %s: %w", hs.role, failedIn, err))
	}
	hs.state = HandshakeHelloVerified
	if Debug {
		log.Logf("[handshake] %s: verified, nonce %x", hs.role, hs.nonce[:])
	}
	return hs.cipher, nil
}

func (hs *handshake) initiate() error {
	if err := hs.framer.WriteMessage(MsgNonceRequest, 0, nil); err != nil {
		return err
	}
	hs.state = HandshakeNonceRequested

	b, err := hs.framer.ReadMessage(MsgNonceReply)
	if err != nil {
		return err
	}
	copy(hs.nonce[:], b)
	if err := hs.deriveCipher(); err != nil {
		return err
	}

	if err := hs.sendHello(); err != nil {
		return err
	}
	return hs.recvHello()
}

func (hs *handshake) accept() error {
	if _, err := hs.framer.ReadMessage(MsgNonceRequest); err != nil {
		return err
	}
	hs.state = HandshakeNonceRequested

	nonce, err := hs.nonceFunc()
	if err != nil {
		return err
	}
	hs.nonce = nonce
	if err := hs.framer.WriteMessage(MsgNonceReply, 0, hs.nonce[:]); err != nil {
		return err
	}
	if err := hs.deriveCipher(); err != nil {
		return err
	}

	if err := hs.recvHello(); err != nil {
		return err
	}
	return hs.sendHello()
}

func (hs *handshake) deriveCipher() error {
	c, err := NewCipher(hs.key, hs.nonce, hs.role)
	if err != nil {
		return err
	}
	hs.cipher = c
	hs.state = HandshakeNonceKnown
	return nil
}

func helloHeader() []byte {
	return Header{Type: MsgHello, Length: uint32(sealedHelloSize)}.Marshal()
}

func (hs *handshake) sendHello() error {
	sealed := hs.cipher.Seal(helloSeq, helloMessage, helloHeader())
	if err := hs.framer.WriteMessage(MsgHello, 0, sealed); err != nil {
		return err
	}
	hs.state = HandshakeHelloSent
	return nil
}

func (hs *handshake) recvHello() error {
	b, err := hs.framer.ReadMessage(MsgHello)
	if err != nil {
		return err
	}
	plain, err := hs.cipher.Open(helloSeq, b, helloHeader())
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(plain, helloMessage) != 1 {
		return fmt.Errorf("%w: unrecognized hello", ErrProtocolViolation)
	}
	return nil
}
