// Package ubuf moves a byte stream between two hosts over an encrypted,
// single-session connection. The default transport is KCP (reliable UDP).
package ubuf

import (
	"time"

	"github.com/go-log/log"
)

// Version is the ubuf version.
const Version = "0.3.0"

// Debug is a flag that enables the debug log.
var Debug bool

const (
	// DefaultBlockSize is the largest plaintext chunk read from the source per block.
	DefaultBlockSize = 128 * 1024
	// MaxBlockSize bounds the configurable block size.
	MaxBlockSize = 16 * 1024 * 1024
)

var (
	// DialTimeout is the timeout of dial.
	DialTimeout = 10 * time.Second
	// HandshakeTimeout is the timeout of the session handshake.
	HandshakeTimeout = 10 * time.Second
	// AckTimeout bounds the wait for the receiver's Acknowledge after Goodbye.
	AckTimeout = 60 * time.Second
	// LingerTimeout bounds the receiver's wait for the sender to hang up
	// after the Acknowledge.
	LingerTimeout = 5 * time.Second
)

func init() {
	log.DefaultLogger = &LogLogger{}
}
