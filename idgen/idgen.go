// Package idgen provides pluggable ID generation for the devtools agent.
//
// Constructors across the repo (remote object store, stylesheet registry,
// bridge sessions) accept a Generator, making the ID strategy a
// startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short, URL-safe, fast. Use where UUIDv7 is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "obj_", "sess_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence produces monotonically increasing integers starting at a given
// value. Safe for concurrent use. Minted values are never reused.
type Sequence struct {
	next atomic.Int64
}

// NewSequence creates a Sequence whose first Next returns start.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

// Next returns the next value in the sequence.
func (s *Sequence) Next() int64 {
	return s.next.Add(1) - 1
}

// ContentHash returns a deterministic ID derived from data: the first
// 2*n hex characters of its SHA-256 digest. Identical content always maps
// to the same ID.
func ContentHash(data []byte, n int) string {
	sum := sha256.Sum256(data)
	if n <= 0 || n > len(sum) {
		n = len(sum)
	}
	return hex.EncodeToString(sum[:n])
}

// Default is the repo default strategy: UUIDv7.
var Default Generator = UUIDv7()
