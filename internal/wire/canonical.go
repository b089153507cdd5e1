package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
)

// Canonical builds the fixed-layout signing string shared by message and call
// frames. Every line, including the last, ends in a single newline; the layout
// is bit-exact so independent clients produce identical bytes.
//
//	v1\n <msgType>\n <messageId>\n <from>\n <toOrGroupId>\n <timestamp>\n <b64 nonce>\n <b64 ciphertext>\n
func Canonical(msgType, messageID, from, toOrGroupID string, timestamp int64, nonceB64, ciphertextB64 string) []byte {
	var b strings.Builder
	b.Grow(64 + len(msgType) + len(messageID) + len(from) + len(toOrGroupID) + len(nonceB64) + len(ciphertextB64))
	b.WriteString("v1\n")
	b.WriteString(msgType)
	b.WriteByte('\n')
	b.WriteString(messageID)
	b.WriteByte('\n')
	b.WriteString(from)
	b.WriteByte('\n')
	b.WriteString(toOrGroupID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonceB64)
	b.WriteByte('\n')
	b.WriteString(ciphertextB64)
	b.WriteByte('\n')
	return []byte(b.String())
}

// SignCanonical signs SHA-256 of the canonical string. Server code only
// verifies; signing lives here for tests and tooling.
func SignCanonical(priv ed25519.PrivateKey, canonical []byte) []byte {
	digest := sha256.Sum256(canonical)
	return ed25519.Sign(priv, digest[:])
}

// VerifyCanonical checks an Ed25519 signature over SHA-256 of the canonical string.
func VerifyCanonical(pub ed25519.PublicKey, canonical, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := sha256.Sum256(canonical)
	return ed25519.Verify(pub, digest[:], sig)
}

// VerifyChallenge checks the registration proof: Ed25519 over SHA-256 of the
// raw challenge bytes.
func VerifyChallenge(pub ed25519.PublicKey, challenge, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	digest := sha256.Sum256(challenge)
	return ed25519.Verify(pub, digest[:], sig)
}

// DecodeB64 decodes strict standard base64 (padded, no embedded whitespace).
func DecodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.Strict().DecodeString(s)
}

// B64 encodes standard padded base64.
func B64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
