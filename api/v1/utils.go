package v1

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustParseCIDRs(entries ...string) []*net.IPNet {
	blocks := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		_, block, err := net.ParseCIDR(entry)
		if err != nil {
			panic(err)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func isPrivateIP(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// getClientIP extracts the visitor's public IP, preferring reverse-proxy
// headers over the transport address. X-Forwarded-For may carry a chain; the
// first public hop wins.
func getClientIP(c *fiber.Ctx) string {
	if ip := firstPublicIP(strings.Split(c.Get("X-Forwarded-For"), ",")); ip != "" {
		return ip
	}

	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP", "True-Client-IP"} {
		if ip := firstPublicIP([]string{c.Get(header)}); ip != "" {
			return ip
		}
	}

	if ip := c.IP(); ip != "" {
		return ip
	}
	return "0.0.0.0"
}

func firstPublicIP(candidates []string) string {
	for _, raw := range candidates {
		clean := strings.TrimSpace(raw)
		if clean == "" {
			continue
		}
		// Strip a port or zone if one is attached.
		if host, _, err := net.SplitHostPort(clean); err == nil {
			clean = host
		}
		if percent := strings.Index(clean, "%"); percent != -1 {
			clean = clean[:percent]
		}

		ip := net.ParseIP(clean)
		if ip == nil || isPrivateIP(ip) {
			continue
		}
		return clean
	}
	return ""
}
