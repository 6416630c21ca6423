package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidSessionID(t *testing.T) {
	valid := []string{
		"sess_0123456789abcdef01234567",
		"0123456789abcdef",
		"ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	}
	invalid := []string{
		"",
		"sess_",
		"sess_short",
		"not-hex-at-all!",
		"0123456789abcdef; DROP TABLE sessions",
		strings.Repeat("a", 100),
	}

	for _, id := range valid {
		if !IsValidSessionID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if IsValidSessionID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	valid := []string{"alice", "alice@example.com", "user_1.2-3", "A"}
	invalid := []string{"", "user id with spaces", "<script>", strings.Repeat("x", 65)}

	for _, id := range valid {
		if !IsValidUserID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if IsValidUserID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"toolong", 4, "tool"},
		{"with\x00null", 100, "withnull"},
	}
	for _, tc := range cases {
		if got := SanitizeString(tc.in, tc.maxLen); got != tc.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userId", ""),
		ValidUserID("userId", "ok-user"),
		MaxLength("note", strings.Repeat("x", 20), 10),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "userId" || errs[1].Field != "note" {
		t.Errorf("unexpected error fields: %v", errs)
	}
	if errs.Error() == "" {
		t.Error("ValidationErrors should format as an error string")
	}
}

func TestValidUserID_EmptyPassesThrough(t *testing.T) {
	if err := ValidUserID("userId", "")(); err != nil {
		t.Error("empty value is Required's job, not ValidUserID's")
	}
}

func TestSessionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(SessionIDParamMiddleware())
	router.GET("/sessions/:sessionId", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sessions/sess_0123456789abcdef01234567", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid id rejected: %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/sessions/%3Cscript%3E", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id accepted: %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/echo", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.JSON(http.StatusOK, body)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("small body rejected: %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 100)+`"}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body accepted: %d", w.Code)
	}
}
