// Package identity implements WhisperID derivation and validation.
//
// A WhisperID is the canonical user identifier: WSP-XXXX-XXXX-XXXX where each
// X is drawn from the RFC 4648 base32 alphabet. The twelve characters are ten
// data characters followed by two checksum characters.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// Alphabet is the base32 alphabet used for WhisperID characters.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

const (
	dataChars     = 10
	checksumChars = 2
	totalChars    = dataChars + checksumChars
	prefix        = "WSP-"

	// Bytes at or above this value are rejected when sampling, so every
	// alphabet index is equally likely (256 - 256%32).
	rejectAbove = 248
)

// Derive maps a public key to its WhisperID. Deterministic: the same key
// always yields the same ID.
func Derive(pub []byte) string {
	return DeriveAttempt(pub, 0)
}

// DeriveAttempt derives the WhisperID for a key at a given collision-retry
// attempt. Attempt 0 draws from the key bytes directly; when those are
// exhausted (or for attempt > 0) the stream continues with
// SHA-256(key || counter) blocks, counter encoded big-endian in 4 bytes.
func DeriveAttempt(pub []byte, attempt int) string {
	indices := make([]byte, 0, dataChars)
	stream := pub
	counter := uint32(attempt)
	if attempt > 0 {
		stream = extend(pub, counter-1)
	}
	pos := 0
	for len(indices) < dataChars {
		if pos >= len(stream) {
			stream = extend(pub, counter)
			counter++
			pos = 0
		}
		b := stream[pos]
		pos++
		if b >= rejectAbove {
			continue // rejection sampling avoids modulo bias
		}
		indices = append(indices, b%32)
	}

	chars := make([]byte, 0, totalChars)
	for _, idx := range indices {
		chars = append(chars, Alphabet[idx])
	}
	c1, c2 := checksums(chars)
	chars = append(chars, Alphabet[c1], Alphabet[c2])
	return format(chars)
}

func extend(pub []byte, counter uint32) []byte {
	buf := make([]byte, 0, len(pub)+4)
	buf = append(buf, pub...)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	sum := sha256.Sum256(buf)
	return sum[:]
}

// checksums computes the two check characters over the ten data characters:
// checksum1 is the XOR of the alphabet indices mod 32, checksum2 the sum of
// the characters' byte values mod 32.
func checksums(data []byte) (byte, byte) {
	var x, s int
	for _, ch := range data {
		x ^= strings.IndexByte(Alphabet, ch)
		s += int(ch)
	}
	return byte(x % 32), byte(s % 32)
}

func format(chars []byte) string {
	var b strings.Builder
	b.Grow(len(prefix) + totalChars + 2)
	b.WriteString(prefix)
	b.Write(chars[0:4])
	b.WriteByte('-')
	b.Write(chars[4:8])
	b.WriteByte('-')
	b.Write(chars[8:12])
	return b.String()
}

// Valid reports whether id is a well-formed WhisperID with correct checksums.
func Valid(id string) bool {
	if len(id) != len(prefix)+totalChars+2 {
		return false
	}
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	body := id[len(prefix):]
	if body[4] != '-' || body[9] != '-' {
		return false
	}
	chars := make([]byte, 0, totalChars)
	for i := 0; i < len(body); i++ {
		if i == 4 || i == 9 {
			continue
		}
		if strings.IndexByte(Alphabet, body[i]) < 0 {
			return false
		}
		chars = append(chars, body[i])
	}
	c1, c2 := checksums(chars[:dataChars])
	return chars[dataChars] == Alphabet[c1] && chars[dataChars+1] == Alphabet[c2]
}
