package fraud

import "net"

// GeoResolver maps an IP address to an ISO country code. A real deployment
// would back this with a MaxMind-style database; the static implementation
// here is a stand-in behind the same small injectable-resolver interface.
type GeoResolver interface {
	ResolveCountry(ip net.IP) (country string, ok bool)
}

type cidrEntry struct {
	network *net.IPNet
	country string
}

// StaticGeoResolver resolves against a small in-memory table of CIDR ranges,
// loaded once at startup.
type StaticGeoResolver struct {
	entries []cidrEntry
}

// NewStaticGeoResolver seeds a resolver from cidr->country pairs. Malformed
// CIDRs are skipped.
func NewStaticGeoResolver(table map[string]string) *StaticGeoResolver {
	r := &StaticGeoResolver{}
	for cidr, country := range table {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		r.entries = append(r.entries, cidrEntry{network: network, country: country})
	}
	return r
}

func (r *StaticGeoResolver) ResolveCountry(ip net.IP) (string, bool) {
	for _, e := range r.entries {
		if e.network.Contains(ip) {
			return e.country, true
		}
	}
	return "", false
}
