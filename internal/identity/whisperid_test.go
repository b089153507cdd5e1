package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeterministic(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	a := Derive(key)
	b := Derive(key)
	assert.Equal(t, a, b, "same key must always yield the same id")
}

func TestDeriveFormat(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	id := Derive(key)
	require.Len(t, id, len("WSP-XXXX-XXXX-XXXX"))
	require.True(t, strings.HasPrefix(id, "WSP-"))
	parts := strings.Split(id, "-")
	require.Len(t, parts, 4)
	for _, p := range parts[1:] {
		require.Len(t, p, 4)
		for i := 0; i < len(p); i++ {
			assert.GreaterOrEqual(t, strings.IndexByte(Alphabet, p[i]), 0)
		}
	}
}

func TestDerivedIDsValidate(t *testing.T) {
	for seed := 0; seed < 50; seed++ {
		key := make([]byte, 32)
		for i := range key {
			key[i] = byte(seed*31 + i)
		}
		id := Derive(key)
		assert.True(t, Valid(id), "derived id %s must validate", id)
	}
}

func TestDeriveAttemptDiffers(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 0xAB
	a := DeriveAttempt(key, 0)
	b := DeriveAttempt(key, 1)
	assert.NotEqual(t, a, b, "collision retry must change the id")
	assert.True(t, Valid(b))
}

// All key bytes above the rejection threshold force extension via SHA-256.
func TestDeriveRejectionExhaustsKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = 0xFF
	}
	id := Derive(key)
	assert.True(t, Valid(id))
	assert.Equal(t, id, Derive(key))
}

func TestValidRejectsCorruption(t *testing.T) {
	key := []byte("another-32-byte-key-for-testing!")
	id := Derive(key)
	require.True(t, Valid(id))

	// Flip one data character; at least one checksum must break.
	broken := []byte(id)
	if broken[4] == 'A' {
		broken[4] = 'B'
	} else {
		broken[4] = 'A'
	}
	assert.False(t, Valid(string(broken)))

	assert.False(t, Valid(""))
	assert.False(t, Valid("WSP-AAAA-AAAA"))
	assert.False(t, Valid("XSP-AAAA-AAAA-AAAA"))
	assert.False(t, Valid("WSP-AAAA-AAAA-AA1A")) // '1' not in the alphabet
	assert.False(t, Valid("WSP-AAAAxAAAA-AAAA"))
}
