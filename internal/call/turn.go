package call

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// turnTTL is the credential lifetime in seconds.
const turnTTL = 3600

// TurnMinter issues time-bound TURN credentials.
type TurnMinter interface {
	Mint(whisperID string, now time.Time) (*wire.TurnCredentials, error)
}

// HMACTurnMinter implements the long-term-credential scheme shared with
// coturn: username is "<expiryUnix>:<whisperId>", the credential is
// base64(HMAC-SHA1(secret, username)). Nothing is stored server-side; the
// TURN server recomputes the MAC.
type HMACTurnMinter struct {
	urls   []string
	secret []byte
}

func NewHMACTurnMinter(urls []string, secret string) *HMACTurnMinter {
	return &HMACTurnMinter{urls: urls, secret: []byte(secret)}
}

func (m *HMACTurnMinter) Mint(whisperID string, now time.Time) (*wire.TurnCredentials, error) {
	if len(m.secret) == 0 {
		return nil, wire.Errf(wire.CodeInternalError, "turn is not configured")
	}
	username := fmt.Sprintf("%d:%s", now.Unix()+turnTTL, whisperID)
	mac := hmac.New(sha1.New, m.secret)
	mac.Write([]byte(username))
	return &wire.TurnCredentials{
		URLs:       m.urls,
		Username:   username,
		Credential: wire.B64(mac.Sum(nil)),
		TTL:        turnTTL,
	}, nil
}
