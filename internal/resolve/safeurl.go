package resolve

import (
	"net"
	"net/url"
)

// IsSafePublicURL reports whether a direct download URL points at a public
// http(s) origin. It rejects loopback, private and link-local addresses so a
// client-supplied URL cannot be used to probe the server's own network.
func IsSafePublicURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return !isRestricted(ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if isRestricted(ip) {
			return false
		}
	}
	return true
}

func isRestricted(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
