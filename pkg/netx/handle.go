package netx

import "net"

// Route is a simplified view of an IPv4 route, decoupled from the
// underlying netlink types. A nil Dst means the default route.
type Route struct {
	Dst      *net.IPNet
	Gw       net.IP
	LinkName string
}

// IsDefault reports whether the route is a default route.
func (r Route) IsDefault() bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

// Handle abstracts namespace, link, and route operations, allowing
// platform-specific implementations. On Linux it wraps vishvananda/netlink
// and vishvananda/netns; elsewhere a fake in-memory implementation is used
// for development and testing.
type Handle interface {
	// NamespaceExists reports whether a named network namespace exists.
	NamespaceExists(name string) (bool, error)

	// CreateNamespace creates a named network namespace without moving the
	// calling process into it.
	CreateNamespace(name string) error

	// DeleteNamespace removes a named network namespace. Links moved into
	// the namespace are destroyed with it.
	DeleteNamespace(name string) error

	// CreateVethPair creates a veth pair with the given endpoint names,
	// both initially in the current namespace.
	CreateVethPair(hostName, peerName string) error

	// DeleteLink removes a link by name. Deleting either end of a veth
	// pair removes both ends. Returns nil if the link is already gone.
	DeleteLink(name string) error

	// SetLinkUp brings a link up.
	SetLinkUp(name string) error

	// MoveLinkToNamespace moves a link into a named network namespace.
	MoveLinkToNamespace(linkName, nsName string) error

	// AddAddress assigns a CIDR address to a link.
	AddAddress(linkName, cidr string) error

	// AddRoute installs a route to dstCIDR through the named link,
	// optionally via a gateway.
	AddRoute(dstCIDR string, gw net.IP, linkName string) error

	// ListRoutes returns all IPv4 routes in the current namespace.
	ListRoutes() ([]Route, error)

	// DefaultInterface returns the name of the interface carrying the
	// default IPv4 route.
	DefaultInterface() (string, error)

	// SetupNamespace configures networking inside a named namespace:
	// brings loopback and the moved peer link up, assigns peerCIDR to the
	// peer, and installs a default route via the gateway.
	SetupNamespace(nsName, peerName, peerCIDR string, gateway net.IP) error
}
