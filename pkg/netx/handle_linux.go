//go:build linux

package netx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// linuxHandle implements Handle using real netlink and netns operations.
type linuxHandle struct{}

// NewHandle creates a Handle backed by the kernel via netlink on Linux.
func NewHandle() (Handle, error) {
	return &linuxHandle{}, nil
}

func (h *linuxHandle) NamespaceExists(name string) (bool, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query namespace %q: %w", name, err)
	}
	ns.Close()
	return true, nil
}

func (h *linuxHandle) CreateNamespace(name string) error {
	// netns.NewNamed switches the calling thread into the new namespace,
	// so the thread must be pinned and restored afterwards.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("failed to create namespace %q: %w", name, err)
	}
	ns.Close()

	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("failed to return to original namespace: %w", err)
	}
	return nil
}

func (h *linuxHandle) DeleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		return fmt.Errorf("failed to delete namespace %q: %w", name, err)
	}
	return nil
}

func (h *linuxHandle) CreateVethPair(hostName, peerName string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %w", hostName, peerName, err)
	}
	return nil
}

func (h *linuxHandle) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to look up link %q: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete link %q: %w", name, err)
	}
	return nil
}

func (h *linuxHandle) SetLinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to look up link %q: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up link %q: %w", name, err)
	}
	return nil
}

func (h *linuxHandle) MoveLinkToNamespace(linkName, nsName string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("failed to look up link %q: %w", linkName, err)
	}
	ns, err := netns.GetFromName(nsName)
	if err != nil {
		return fmt.Errorf("failed to open namespace %q: %w", nsName, err)
	}
	defer ns.Close()
	if err := netlink.LinkSetNsFd(link, int(ns)); err != nil {
		return fmt.Errorf("failed to move link %q into namespace %q: %w", linkName, nsName, err)
	}
	return nil
}

func (h *linuxHandle) AddAddress(linkName, cidr string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("failed to look up link %q: %w", linkName, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("failed to parse address %q: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s to %q: %w", cidr, linkName, err)
	}
	return nil
}

func (h *linuxHandle) AddRoute(dstCIDR string, gw net.IP, linkName string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("failed to look up link %q: %w", linkName, err)
	}
	_, dst, err := net.ParseCIDR(dstCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse route destination %q: %w", dstCIDR, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Gw:        gw,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("failed to add route %s dev %s: %w", dstCIDR, linkName, err)
	}
	return nil
}

func (h *linuxHandle) ListRoutes() ([]Route, error) {
	nlRoutes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	linkNames := make(map[int]string)
	routes := make([]Route, 0, len(nlRoutes))
	for _, nlRoute := range nlRoutes {
		name, ok := linkNames[nlRoute.LinkIndex]
		if !ok {
			if link, err := netlink.LinkByIndex(nlRoute.LinkIndex); err == nil {
				name = link.Attrs().Name
			}
			linkNames[nlRoute.LinkIndex] = name
		}
		routes = append(routes, Route{
			Dst:      nlRoute.Dst,
			Gw:       nlRoute.Gw,
			LinkName: name,
		})
	}
	return routes, nil
}

func (h *linuxHandle) DefaultInterface() (string, error) {
	routes, err := h.ListRoutes()
	if err != nil {
		return "", err
	}
	for _, route := range routes {
		if route.IsDefault() && route.LinkName != "" {
			return route.LinkName, nil
		}
	}
	return "", fmt.Errorf("no default IPv4 route found")
}

func (h *linuxHandle) SetupNamespace(nsName, peerName, peerCIDR string, gateway net.IP) error {
	ns, err := netns.GetFromName(nsName)
	if err != nil {
		return fmt.Errorf("failed to open namespace %q: %w", nsName, err)
	}
	defer ns.Close()

	nsHandle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to create netlink handle in namespace %q: %w", nsName, err)
	}
	defer nsHandle.Close()

	lo, err := nsHandle.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("failed to look up loopback in namespace %q: %w", nsName, err)
	}
	if err := nsHandle.LinkSetUp(lo); err != nil {
		return fmt.Errorf("failed to bring up loopback in namespace %q: %w", nsName, err)
	}

	peer, err := nsHandle.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("failed to look up link %q in namespace %q: %w", peerName, nsName, err)
	}
	if err := nsHandle.LinkSetUp(peer); err != nil {
		return fmt.Errorf("failed to bring up link %q in namespace %q: %w", peerName, nsName, err)
	}

	addr, err := netlink.ParseAddr(peerCIDR)
	if err != nil {
		return fmt.Errorf("failed to parse address %q: %w", peerCIDR, err)
	}
	if err := nsHandle.AddrAdd(peer, addr); err != nil {
		return fmt.Errorf("failed to assign %s to %q in namespace %q: %w", peerCIDR, peerName, nsName, err)
	}

	defaultRoute := &netlink.Route{
		LinkIndex: peer.Attrs().Index,
		Gw:        gateway,
	}
	if err := nsHandle.RouteAdd(defaultRoute); err != nil {
		return fmt.Errorf("failed to add default route via %s in namespace %q: %w", gateway, nsName, err)
	}
	return nil
}
