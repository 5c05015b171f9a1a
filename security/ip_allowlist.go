package security

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/response"
)

// Allowlist IP/CIDR 白名单。空白名单放行全部来源。
type Allowlist struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// NewAllowlist 解析白名单条目，无法解析的条目被忽略。
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				a.cidrs = append(a.cidrs, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			a.ips = append(a.ips, ip)
		}
	}
	return a
}

// Empty 白名单是否没有任何有效条目。
func (a *Allowlist) Empty() bool {
	return len(a.cidrs) == 0 && len(a.ips) == 0
}

// Allows 判断 IP 是否在白名单内。
func (a *Allowlist) Allows(ip net.IP) bool {
	if a.Empty() {
		return true
	}
	if ip == nil {
		return false
	}
	for _, allowed := range a.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range a.cidrs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IPAllowlistMiddleware 根据 IP 白名单过滤管理接口的访问请求。
func IPAllowlistMiddleware(allowlist []string) gin.HandlerFunc {
	a := NewAllowlist(allowlist)

	return func(c *gin.Context) {
		if a.Empty() {
			c.Next()
			return
		}

		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			response.ErrorWithStatus(c, http.StatusForbidden, "access denied", "invalid client ip")
			c.Abort()
			return
		}
		if !a.Allows(ip) {
			response.ErrorWithStatus(c, http.StatusForbidden, "access denied", "ip not allowed")
			c.Abort()
			return
		}
		c.Next()
	}
}
