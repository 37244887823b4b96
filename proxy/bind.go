package proxy

import (
	"net"

	"golang.org/x/xerrors"
)

// ResolveBindAddress picks the address to listen on. An ordinal of 0 keeps
// address; N selects the Nth non-loopback IPv4 address of this host.
func ResolveBindAddress(address string, ordinal int) (string, error) {
	if ordinal <= 0 {
		return address, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", xerrors.Errorf("list interface addresses: %w", err)
	}
	return selectAddress(addrs, ordinal)
}

func selectAddress(addrs []net.Addr, ordinal int) (string, error) {
	var candidates []string
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		candidates = append(candidates, ip.String())
	}
	if ordinal > len(candidates) {
		return "", xerrors.Errorf("bind address ordinal %d out of range, host has %d IPv4 addresses", ordinal, len(candidates))
	}
	return candidates[ordinal-1], nil
}
