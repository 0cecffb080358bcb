package fairness

import (
	"encoding/binary"
	"fmt"
)

// Stream is an unbounded byte source over successive digests of one seed
// pair. Cursor 0 is consumed first, then 1, and so on. It is not safe for
// concurrent use.
type Stream struct {
	serverSeed string
	clientSeed string
	nonce      uint64

	cursor uint64
	buf    [DigestSize]byte
	pos    int
}

func NewStream(serverSeed, clientSeed string, nonce uint64) *Stream {
	s := &Stream{serverSeed: serverSeed, clientSeed: clientSeed, nonce: nonce}
	s.buf = Digest(serverSeed, clientSeed, nonce, 0)
	return s
}

// Cursor returns the index of the digest currently being read.
func (s *Stream) Cursor() uint64 { return s.cursor }

func (s *Stream) next() byte {
	if s.pos == DigestSize {
		s.cursor++
		s.buf = Digest(s.serverSeed, s.clientSeed, s.nonce, s.cursor)
		s.pos = 0
	}
	b := s.buf[s.pos]
	s.pos++
	return b
}

func (s *Stream) read(p []byte) {
	for i := range p {
		p[i] = s.next()
	}
}

func (s *Stream) Uint32() uint32 {
	var w [4]byte
	s.read(w[:])
	return binary.BigEndian.Uint32(w[:])
}

// UniformInt returns a uniformly distributed integer in [0, bound).
// Windows at or above the largest multiple of bound are discarded.
func (s *Stream) UniformInt(bound uint32) (uint32, error) {
	if bound == 0 {
		return 0, fmt.Errorf("bound must be positive")
	}
	limit := rejectionLimit(bound)
	for {
		v := s.Uint32()
		if uint64(v) < limit {
			return v % bound, nil
		}
	}
}

// Float returns a uniform float64 in [0, 1) built from 52 bits.
func (s *Stream) Float() float64 {
	var w [8]byte
	s.read(w[1:])
	bits := binary.BigEndian.Uint64(w[:]) >> 4 // 56 bits read, keep 52
	return float64(bits) / float52Scale
}
