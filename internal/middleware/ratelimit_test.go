package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

func TestRateLimiter_RefillsPerInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, time.Minute, clock)
	defer rl.Close()

	if !rl.allow("1.1.1.1") || !rl.allow("1.1.1.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.1.1.1") {
		t.Fatal("third request should be limited")
	}
	if !rl.allow("2.2.2.2") {
		t.Fatal("other clients have their own bucket")
	}

	clock.Advance(time.Minute)
	if !rl.allow("1.1.1.1") {
		t.Fatal("bucket should refill after the interval")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, time.Minute, clockwork.NewFakeClock())
	defer rl.Close()

	r := gin.New()
	r.POST("/announce", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/announce", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes: %v", codes)
	}
}
