package transport

import (
	"net"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wlynxg/anet"
)

// NetworkKind classifies a local interface address.
type NetworkKind int

const (
	// NetworkOther is loopback, link-local, or a public address.
	NetworkOther NetworkKind = iota
	// NetworkLAN is an RFC 1918 or unique-local address on a regular
	// interface.
	NetworkLAN
	// NetworkOverlay is a VPN-overlay address such as a Tailscale or
	// WireGuard mesh address.
	NetworkOverlay
)

// String returns a string representation of the network kind
func (k NetworkKind) String() string {
	switch k {
	case NetworkLAN:
		return "lan"
	case NetworkOverlay:
		return "overlay"
	default:
		return "other"
	}
}

var (
	// cgnatPrefix is the shared address space overlay networks assign
	// from (Tailscale, Nebula, ZeroTier defaults).
	cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")
	// tailscaleULA is Tailscale's IPv6 range.
	tailscaleULA = netip.MustParsePrefix("fd7a:115c:a1e0::/48")

	// tunnelNamePrefixes are interface names used by VPN tunnels.
	tunnelNamePrefixes = []string{"tun", "utun", "tailscale", "wg", "zt", "ipsec", "ppp"}
)

// IsOverlayAddr reports whether ip falls in a VPN-overlay range.
func IsOverlayAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return cgnatPrefix.Contains(ip) || tailscaleULA.Contains(ip)
}

// isTunnelInterface reports whether name looks like a VPN tunnel.
func isTunnelInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range tunnelNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ClassifyAddr classifies ip as seen on the interface named ifName.
func ClassifyAddr(ifName string, ip netip.Addr) NetworkKind {
	ip = ip.Unmap()
	switch {
	case !ip.IsValid(), ip.IsLoopback(), ip.IsLinkLocalUnicast(), ip.IsMulticast():
		return NetworkOther
	case IsOverlayAddr(ip):
		return NetworkOverlay
	case isTunnelInterface(ifName) && (ip.IsPrivate() || ip.Is4()):
		return NetworkOverlay
	case ip.IsPrivate():
		return NetworkLAN
	default:
		return NetworkOther
	}
}

// LocalNetwork summarizes the device's usable networks.
type LocalNetwork struct {
	LANAddrs     []netip.Addr
	OverlayAddrs []netip.Addr
}

// HasLAN reports whether a LAN address is up.
func (n LocalNetwork) HasLAN() bool { return len(n.LANAddrs) > 0 }

// HasOverlay reports whether an overlay address is up.
func (n LocalNetwork) HasOverlay() bool { return len(n.OverlayAddrs) > 0 }

// NetworkInspector enumerates local interfaces without any network I/O.
// It uses anet because the standard library's interface listing fails on
// recent Android releases.
type NetworkInspector struct {
	interfaces func() ([]net.Interface, error)
	addrs      func(*net.Interface) ([]net.Addr, error)
}

// NewNetworkInspector creates an inspector over the host's interfaces.
func NewNetworkInspector() *NetworkInspector {
	return &NetworkInspector{
		interfaces: anet.Interfaces,
		addrs:      anet.InterfaceAddrsByInterface,
	}
}

// Inspect lists up, non-loopback interfaces and classifies their
// addresses. Interfaces whose addresses cannot be read are skipped.
func (ni *NetworkInspector) Inspect() (LocalNetwork, error) {
	ifaces, err := ni.interfaces()
	if err != nil {
		return LocalNetwork{}, newError("inspect", "", err)
	}

	var out LocalNetwork
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ni.addrs(iface)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Inspect",
				"interface": iface.Name,
				"error":     err.Error(),
			}).Debug("Skipping interface")
			continue
		}
		for _, a := range addrs {
			ip, ok := addrIP(a)
			if !ok {
				continue
			}
			switch ClassifyAddr(iface.Name, ip) {
			case NetworkLAN:
				out.LANAddrs = append(out.LANAddrs, ip)
			case NetworkOverlay:
				out.OverlayAddrs = append(out.OverlayAddrs, ip)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Inspect",
		"lan":      len(out.LANAddrs),
		"overlay":  len(out.OverlayAddrs),
	}).Debug("Local networks inspected")
	return out, nil
}

// addrIP extracts the IP from an interface address.
func addrIP(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		host := a.String()
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		ip = net.ParseIP(host)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
