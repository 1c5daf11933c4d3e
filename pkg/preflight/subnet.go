package preflight

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"

	"github.com/easzlab/ezns/pkg/netx"
)

// ErrNoTunnelSubnet indicates the 172.16.0.0/12 space is exhausted.
var ErrNoTunnelSubnet = errors.New("no free tunnel subnet in 172.16.0.0/12")

// tunnelSpace is the private range scanned for a free tunnel subnet.
var (
	tunnelSpaceBase = binary.BigEndian.Uint32(net.IPv4(172, 16, 0, 0).To4())
	tunnelSpaceMask = uint32(0xFFF00000)
)

// FindTunnelSubnet picks a /30 inside 172.16.0.0/12 that does not collide
// with any existing route. It walks the routed 172.16/12 blocks in address
// order, and whenever the candidate falls inside a routed block, advances
// the candidate to the address just past that block.
func FindTunnelSubnet(routes []netx.Route) (*net.IPNet, error) {
	type block struct {
		base uint32
		ones int
	}

	var blocks []block
	for _, route := range routes {
		if route.Dst == nil {
			continue
		}
		ones, bits := route.Dst.Mask.Size()
		if ones == 0 || bits != 32 {
			continue
		}
		ip4 := route.Dst.IP.To4()
		if ip4 == nil {
			continue
		}
		base := binary.BigEndian.Uint32(ip4)
		if base&tunnelSpaceMask != tunnelSpaceBase {
			continue
		}
		blocks = append(blocks, block{base: base, ones: ones})
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].base < blocks[j].base })

	candidate := tunnelSpaceBase
	for _, b := range blocks {
		// Overlap is judged at the coarser of the block's prefix and the
		// candidate's /30, so host routes inside the candidate /30 count.
		ones := b.ones
		if ones > 30 {
			ones = 30
		}
		mask := ^uint32(0) << (32 - ones)
		if candidate&mask == b.base&mask {
			candidate = b.base + (uint32(1) << (32 - b.ones))
			// Round up so the candidate stays /30-aligned and both tunnel
			// addresses land in the same block.
			candidate = (candidate + 3) &^ 3
		}
	}

	if candidate&tunnelSpaceMask != tunnelSpaceBase {
		return nil, ErrNoTunnelSubnet
	}

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, candidate)
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(30, 32)}, nil
}
