// Package fairness implements the committed seed scheme behind every game
// outcome: HMAC-SHA256 digests over (serverSeed, clientSeed, nonce, cursor)
// and unbiased integer and float draws from the resulting byte stream.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

const (
	DigestSize     = sha256.Size
	ServerSeedSize = 32 // bytes of entropy, 64 hex chars

	float52Scale = 1 << 52
)

var ErrDigestExhausted = errors.New("digest exhausted before an unbiased draw")

// SeedPair is the secret material that deterministically seeds one round.
type SeedPair struct {
	ServerSeed string
	ClientSeed string
	Nonce      uint64
}

func (p SeedPair) Hash() string {
	return HashServerSeed(p.ServerSeed)
}

func (p SeedPair) Stream() *Stream {
	return NewStream(p.ServerSeed, p.ClientSeed, p.Nonce)
}

// Digest computes HMAC-SHA256 keyed by serverSeed over "clientSeed:nonce:cursor".
func Digest(serverSeed, clientSeed string, nonce, cursor uint64) [DigestSize]byte {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	msg := make([]byte, 0, len(clientSeed)+42)
	msg = append(msg, clientSeed...)
	msg = append(msg, ':')
	msg = strconv.AppendUint(msg, nonce, 10)
	msg = append(msg, ':')
	msg = strconv.AppendUint(msg, cursor, 10)
	mac.Write(msg)

	var out [DigestSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func DigestHex(serverSeed, clientSeed string, nonce, cursor uint64) string {
	d := Digest(serverSeed, clientSeed, nonce, cursor)
	return hex.EncodeToString(d[:])
}

// UniformInt maps a single digest to [0, bound) using its eight 32-bit
// windows in order, rejecting windows that would bias the modulo.
func UniformInt(digest [DigestSize]byte, bound uint32) (uint32, error) {
	if bound == 0 {
		return 0, fmt.Errorf("bound must be positive")
	}
	limit := rejectionLimit(bound)
	for off := 0; off+4 <= DigestSize; off += 4 {
		v := binary.BigEndian.Uint32(digest[off : off+4])
		if uint64(v) < limit {
			return v % bound, nil
		}
	}
	return 0, ErrDigestExhausted
}

// rejectionLimit is the largest multiple of bound not above 2^32.
func rejectionLimit(bound uint32) uint64 {
	const space = uint64(1) << 32
	return space - space%uint64(bound)
}

// NewServerSeed returns a fresh 64-char hex server seed.
func NewServerSeed() (string, error) {
	b := make([]byte, ServerSeedSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate server seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashServerSeed is the public commitment published before a seed is used.
func HashServerSeed(serverSeed string) string {
	h := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(h[:])
}

// VerifyCommitment reports whether serverSeed hashes to the published commitment.
func VerifyCommitment(serverSeed, commitment string) bool {
	got := HashServerSeed(serverSeed)
	return subtle.ConstantTimeCompare([]byte(got), []byte(commitment)) == 1
}
