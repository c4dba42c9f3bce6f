package ubuf

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-log/log"
	"github.com/klauspost/compress/snappy"
)

type flusher interface {
	Flush() error
}

// sendBlocks reads src until EOF and sends every non-empty chunk as one
// sealed block. Block sequence numbers follow the hello.
func (s *Session) sendBlocks(c *Cipher, src io.Reader) error {
	buf := make([]byte, s.options.BlockSize)
	var zbuf []byte
	seq := helloSeq

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			var flags uint8
			if s.options.Compress {
				zbuf = snappy.Encode(zbuf[:cap(zbuf)], chunk)
				if len(zbuf) < n {
					chunk = zbuf
					flags |= FlagSnappy
				}
			}

			seq++
			h := Header{Type: MsgBlock, Flags: flags, Length: uint32(len(chunk) + Overhead)}
			sealed := c.Seal(seq, chunk, h.Marshal())
			if err := s.framer.WriteMessage(MsgBlock, flags, sealed); err != nil {
				return err
			}

			s.updateStats(func(st *Stats) {
				st.BlocksSent++
				st.BytesRead += uint64(n)
			})
			if Debug {
				log.Logf("[session] block #%d: %d bytes, sealed %d", seq, n, len(sealed))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
	}
}

// recvBlocks writes every block to dst until Goodbye. A block that fails
// to open aborts the loop; there is no resynchronization.
func (s *Session) recvBlocks(c *Cipher, dst io.Writer) error {
	var buf, zbuf []byte
	seq := helloSeq

	for {
		h, err := s.framer.ReadHeader()
		if err != nil {
			return err
		}
		switch h.Type {
		case MsgGoodbye:
			if Debug {
				log.Logf("[session] goodbye after %d blocks", seq-helloSeq)
			}
			return nil
		case MsgBlock:
		default:
			return fmt.Errorf("%w: unexpected %s during transfer", ErrProtocolViolation, h.Type)
		}

		buf, err = s.framer.ReadPayload(h, buf)
		if err != nil {
			return err
		}
		seq++
		plain, err := c.Open(seq, buf, h.Marshal())
		if err != nil {
			return err
		}

		if h.Flags&FlagSnappy != 0 {
			n, err := snappy.DecodedLen(plain)
			if err != nil {
				return fmt.Errorf("%w: block #%d: %v", ErrProtocolViolation, seq, err)
			}
			if n > s.options.BlockSize {
				return fmt.Errorf("%w: block #%d decodes to %d bytes", ErrProtocolViolation, seq, n)
			}
			zbuf, err = snappy.Decode(zbuf[:cap(zbuf)], plain)
			if err != nil {
				return fmt.Errorf("%w: block #%d: %v", ErrProtocolViolation, seq, err)
			}
			plain = zbuf
		}

		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("write sink: %w", err)
		}
		if f, ok := dst.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("flush sink: %w", err)
			}
		}

		s.updateStats(func(st *Stats) {
			st.BlocksReceived++
			st.BytesWritten += uint64(len(plain))
		})
		if Debug {
			log.Logf("[session] block #%d: %d bytes", seq, len(plain))
		}
	}
}
