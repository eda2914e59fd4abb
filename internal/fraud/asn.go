package fraud

import "net"

// ASNResolver maps an IP address to an Autonomous System Number, used to
// identify cloud/VPN ranges commonly abused for OTP fraud.
type ASNResolver interface {
	ResolveASN(ip net.IP) (asn int64, ok bool)
}

// StaticASNResolver resolves against a small in-memory table of CIDR
// ranges, same shape as StaticGeoResolver.
type StaticASNResolver struct {
	entries []asnEntry
}

type asnEntry struct {
	network *net.IPNet
	asn     int64
}

// NewStaticASNResolver seeds a resolver from cidr->ASN pairs. Malformed
// CIDRs are skipped.
func NewStaticASNResolver(table map[string]int64) *StaticASNResolver {
	r := &StaticASNResolver{}
	for cidr, asn := range table {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		r.entries = append(r.entries, asnEntry{network: network, asn: asn})
	}
	return r
}

func (r *StaticASNResolver) ResolveASN(ip net.IP) (int64, bool) {
	for _, e := range r.entries {
		if e.network.Contains(ip) {
			return e.asn, true
		}
	}
	return 0, false
}
