package scoring

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// TokenMinter issues HMAC-signed, expiring step-up tokens. A session that
// just passed a verification challenge receives one and can present it to
// skip re-challenge within the validity window.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// DefaultTokenTTL is how long a step-up pass stays valid.
const DefaultTokenTTL = time.Hour

type tokenPayload struct {
	SessionID string `json:"sid"`
	ExpiresAt int64  `json:"exp"`
}

// NewTokenMinter creates a minter with the given signing secret. A
// non-positive ttl falls back to DefaultTokenTTL.
func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenMinter{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint issues a signed token bound to the session.
func (m *TokenMinter) Mint(sessionID string) string {
	payload, _ := json.Marshal(tokenPayload{
		SessionID: sessionID,
		ExpiresAt: m.now().Add(m.ttl).Unix(),
	})
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + m.sign(body)
}

// Verify checks the signature and expiry, returning the bound session id.
func (m *TokenMinter) Verify(token string) (sessionID string, ok bool) {
	body, sig, found := strings.Cut(token, ".")
	if !found {
		return "", false
	}
	if !hmac.Equal([]byte(m.sign(body)), []byte(sig)) {
		return "", false
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", false
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false
	}
	if m.now().Unix() >= p.ExpiresAt {
		return "", false
	}
	return p.SessionID, true
}

func (m *TokenMinter) sign(body string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
