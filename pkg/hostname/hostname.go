// Package hostname provides the canonical host identifier used by the
// heartbeat protocol.
package hostname

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"

	"github.com/hapulse/hapulse/pkg/wire"
)

// ErrResolve is returned when a hostname cannot be mapped to an IPv4 address.
var ErrResolve = errors.New("hostname: cannot resolve to an IPv4 address")

// Name is an opaque host identifier. Two names are considered equal when one
// is a prefix of the other and the continuation in the longer one starts a
// domain suffix, so a short name matches its own fully qualified form:
//
//	"host-1"             == "host-1"
//	"host-1"             == "host-1.example.org"
//	"host-1.example.org" == "host-1"
//
// but
//
//	"host-1"             != "host-1x"
//	"host-1.example.org" != "host-1.example.com"
type Name string

// Local returns the hostname of this machine.
func Local() (Name, error) {
	h, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return Name(h), nil
}

func (n Name) String() string {
	return string(n)
}

// Equal compares n against other using the canonical-tail rule documented on
// [Name].
func (n Name) Equal(other Name) bool {
	var i int
	for i = 0; i < len(n) && i < len(other); i++ {
		if n[i] != other[i] {
			return false
		}
	}
	switch {
	case i == len(n) && i < len(other):
		return other[i] == '.'
	case i < len(n) && i == len(other):
		return n[i] == '.'
	default:
		return true
	}
}

// Resolve maps the hostname to a single IPv4 address. Dotted-quad literals
// bypass the resolver.
func (n Name) Resolve() (netip.Addr, error) {
	if a, err := netip.ParseAddr(string(n)); err == nil {
		if !a.Is4() {
			return netip.Addr{}, ErrResolve
		}
		return a, nil
	}
	as, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip4", string(n))
	if err != nil || len(as) == 0 {
		return netip.Addr{}, ErrResolve
	}
	return as[0].Unmap(), nil
}

// ResolveUDP maps the hostname to an IPv4 UDP endpoint on port.
func (n Name) ResolveUDP(port uint16) (netip.AddrPort, error) {
	a, err := n.Resolve()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a, port), nil
}

// PackedSize returns the serialized size of the name starting at offset.
func (n Name) PackedSize(offset int) int {
	return wire.SizeString(string(n), offset)
}

// Pack writes the name to p.
func (n Name) Pack(p *wire.Packer) {
	p.PackString(string(n))
}

// Unpack reads the name from u.
func (n *Name) Unpack(u *wire.Unpacker) error {
	s, err := u.String()
	if err != nil {
		return err
	}
	*n = Name(s)
	return nil
}
