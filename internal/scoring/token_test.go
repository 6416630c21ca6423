package scoring

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenMinter("test-secret", time.Hour)

	tok := m.Mint("sess_abc")
	sid, ok := m.Verify(tok)
	if !ok || sid != "sess_abc" {
		t.Errorf("round trip failed: sid=%q ok=%v", sid, ok)
	}
}

func TestTokenRejectsTampering(t *testing.T) {
	m := NewTokenMinter("test-secret", time.Hour)
	tok := m.Mint("sess_abc")

	body, sig, _ := strings.Cut(tok, ".")

	cases := map[string]string{
		"flipped body byte": "x" + body[1:] + "." + sig,
		"truncated sig":     body + "." + sig[:len(sig)-2],
		"missing separator": body + sig,
		"empty":             "",
	}
	for name, tampered := range cases {
		if _, ok := m.Verify(tampered); ok {
			t.Errorf("%s: tampered token verified", name)
		}
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	tok := NewTokenMinter("secret-a", time.Hour).Mint("sess_abc")
	if _, ok := NewTokenMinter("secret-b", time.Hour).Verify(tok); ok {
		t.Error("token signed with a different secret verified")
	}
}

func TestTokenExpires(t *testing.T) {
	m := NewTokenMinter("test-secret", time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }

	tok := m.Mint("sess_abc")

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, ok := m.Verify(tok); !ok {
		t.Error("token rejected inside its validity window")
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := m.Verify(tok); ok {
		t.Error("expired token verified")
	}
}
