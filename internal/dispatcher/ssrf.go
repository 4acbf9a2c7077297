package dispatcher

import "net"

// metadataHosts are cloud instance-metadata endpoints that must never be
// reachable from http_get regardless of DNS resolution, mirroring the
// well-known SSRF targets in spec.md §4.4's "host not in SSRF-denylist".
var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata.azure.internal":  true,
}

// ssrfDenylistedHost reports whether host is, or resolves to, a loopback,
// private, link-local, or cloud-metadata address. Resolution failures fail
// closed (denied) rather than open, since an unresolvable host cannot be
// proven safe.
func ssrfDenylistedHost(host string) bool {
	if metadataHosts[host] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isDeniedIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return true
	}
	for _, ip := range ips {
		if isDeniedIP(ip) {
			return true
		}
	}
	return false
}

func isDeniedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
