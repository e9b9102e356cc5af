// Package hba implements doorman's host-based access control: a list of
// peer CIDR ranges allowed to open connections, checked before a client's
// startup message is even decoded.
package hba

import (
	"net"

	"github.com/pgdoorman/doorman/internal/config"
)

// AllowList is a parsed, ready-to-match set of allowed peer networks. An
// empty AllowList permits every peer, matching a config with no hba entries.
type AllowList struct {
	nets []*net.IPNet
}

// New parses the configured HBA entries into an AllowList.
func New(entries []config.HBAEntry) (*AllowList, error) {
	al := &AllowList{}
	for _, e := range entries {
		_, ipnet, err := net.ParseCIDR(e.CIDR)
		if err != nil {
			return nil, err
		}
		al.nets = append(al.nets, ipnet)
	}
	return al, nil
}

// Allowed reports whether addr (a host[:port] or bare IP string) is
// permitted to connect. An AllowList with no entries permits everyone.
func (al *AllowList) Allowed(addr string) bool {
	if al == nil || len(al.nets) == 0 {
		return true
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, n := range al.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
