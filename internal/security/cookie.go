package security

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CookiePolicy describes how the session cookie is issued. HttpOnly and
// SameSite are not configurable: the session id must never be readable from
// page script, and cross-site sends defeat the fingerprint binding.
type CookiePolicy struct {
	Name   string
	Domain string
	Secure bool
	TTL    time.Duration
}

// Set issues the session cookie on the response.
func (p CookiePolicy) Set(c *gin.Context, sessionID string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     p.Name,
		Value:    sessionID,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(p.TTL.Seconds()),
		Secure:   p.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires the session cookie. Called whenever a session is revoked or
// not found, so a stale id never accompanies another request.
func (p CookiePolicy) Clear(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     p.Name,
		Value:    "",
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   -1,
		Secure:   p.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
