package security

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestAllowlistMatching(t *testing.T) {
	a := NewAllowlist([]string{"10.0.0.0/8", " 192.168.1.7 ", "not-an-ip", ""})
	assert.False(t, a.Empty())
	assert.True(t, a.Allows(net.ParseIP("10.2.3.4")))
	assert.True(t, a.Allows(net.ParseIP("192.168.1.7")))
	assert.False(t, a.Allows(net.ParseIP("192.168.1.8")))
	assert.False(t, a.Allows(nil))

	assert.True(t, NewAllowlist(nil).Allows(net.ParseIP("8.8.8.8")))
}

func TestIPAllowlistMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(IPAllowlistMiddleware([]string{"127.0.0.1"}))
	e.GET("/admin", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
