package probe

import (
	"context"
	"fmt"
	"net"
)

// Resolver is an interface for DNS resolution operations.
// This interface allows for mocking DNS resolution in tests.
type Resolver interface {
	// LookupIP looks up host for the given network ("ip", "ip4" or "ip6").
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// defaultResolver wraps the standard library's net.Resolver.
type defaultResolver struct {
	resolver *net.Resolver
}

// newDefaultResolver creates a resolver that uses the system DNS configuration.
func newDefaultResolver() Resolver {
	return &defaultResolver{
		resolver: net.DefaultResolver,
	}
}

func (r *defaultResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return r.resolver.LookupIP(ctx, network, host)
}

// resolveIPv4 resolves host and builds the IPv4 socket address for port
// from the first IPv4 address returned.
func resolveIPv4(ctx context.Context, resolver Resolver, host string, port int) (*net.TCPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return &net.TCPAddr{IP: ip4, Port: port}, nil
		}
		return nil, fmt.Errorf("%w for %s", ErrNoIPv4Address, host)
	}

	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return &net.TCPAddr{IP: ip4, Port: port}, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoIPv4Address, host)
}
