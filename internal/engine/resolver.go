package engine

import (
	"context"
	"net"
	"time"
)

// Resolver turns a proxy-by-name address into the concrete endpoints the
// connect cascade walks. The passive flag is forwarded for listeners so an
// empty host can resolve to the wildcard address.
type Resolver interface {
	Resolve(host string, port uint16, family Family, passive bool) ([]AddressSpec, error)
}

// NetResolver is the default Resolver backed by the net package.
type NetResolver struct {
	r       *net.Resolver
	timeout time.Duration
}

// NewNetResolver creates a resolver using the process default lookup path.
func NewNetResolver() *NetResolver {
	return &NetResolver{r: net.DefaultResolver, timeout: 10 * time.Second}
}

// Resolve looks the host up and filters the result by family. An empty host
// yields the wildcard (passive) or loopback (active) address.
func (nr *NetResolver) Resolve(host string, port uint16, family Family, passive bool) ([]AddressSpec, error) {
	if host == "" {
		if passive {
			return []AddressSpec{wildcard(family, port)}, nil
		}
		return []AddressSpec{loopback(family, port)}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), nr.timeout)
	defer cancel()
	ips, err := nr.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	var out []AddressSpec
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			if family == FamilyInet6 {
				continue
			}
			out = append(out, AddressSpec{Kind: AddrInet4, IP: ip4, Port: port})
			continue
		}
		if family == FamilyInet4 {
			continue
		}
		out = append(out, AddressSpec{Kind: AddrInet6, IP: ip.IP, Port: port})
	}
	return out, nil
}

func wildcard(family Family, port uint16) AddressSpec {
	if family == FamilyInet6 {
		return AddressSpec{Kind: AddrInet6, IP: net.IPv6unspecified, Port: port}
	}
	return AddressSpec{Kind: AddrInet4, IP: net.IPv4zero.To4(), Port: port}
}

func loopback(family Family, port uint16) AddressSpec {
	if family == FamilyInet6 {
		return AddressSpec{Kind: AddrInet6, IP: net.IPv6loopback, Port: port}
	}
	return AddressSpec{Kind: AddrInet4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: port}
}
