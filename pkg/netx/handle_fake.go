package netx

import (
	"fmt"
	"net"
	"sync"
)

// fakeLink tracks the state of a single link inside the FakeHandle.
type fakeLink struct {
	up        bool
	namespace string // empty while in the root namespace
	addresses []string
	peer      string // other end of the veth pair, if any
}

// FakeHandle provides an in-memory Handle implementation. It simulates
// namespace, link, and route state using maps, enabling development and
// testing without root privilege or a Linux kernel.
type FakeHandle struct {
	mu         sync.Mutex
	namespaces map[string]bool
	links      map[string]*fakeLink
	routes     []Route
	failures   map[string]error
}

// NewFakeHandle creates an empty in-memory Handle.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		namespaces: make(map[string]bool),
		links:      make(map[string]*fakeLink),
		failures:   make(map[string]error),
	}
}

// FailOn makes the named operation return err. Used by tests to simulate
// kernel-level failures at specific lifecycle steps.
func (h *FakeHandle) FailOn(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = err
}

func (h *FakeHandle) failure(op string) error {
	if err, ok := h.failures[op]; ok {
		return err
	}
	return nil
}

// SeedRoute adds a route to the fake route table.
func (h *FakeHandle) SeedRoute(route Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, route)
}

// SeedNamespace registers an existing namespace, simulating a leftover
// from a previous run.
func (h *FakeHandle) SeedNamespace(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.namespaces[name] = true
}

func (h *FakeHandle) NamespaceExists(name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("NamespaceExists"); err != nil {
		return false, err
	}
	return h.namespaces[name], nil
}

func (h *FakeHandle) CreateNamespace(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("CreateNamespace"); err != nil {
		return err
	}
	if h.namespaces[name] {
		return fmt.Errorf("namespace %q already exists", name)
	}
	h.namespaces[name] = true
	return nil
}

func (h *FakeHandle) DeleteNamespace(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("DeleteNamespace"); err != nil {
		return err
	}
	if !h.namespaces[name] {
		return fmt.Errorf("namespace %q not found", name)
	}
	delete(h.namespaces, name)
	// Deleting a namespace reaps links moved into it, and the surviving
	// ends of any veth pairs with it.
	for linkName, link := range h.links {
		if link.namespace == name {
			delete(h.links, linkName)
			if peer, ok := h.links[link.peer]; ok && peer.peer == linkName {
				delete(h.links, link.peer)
			}
		}
	}
	return nil
}

func (h *FakeHandle) CreateVethPair(hostName, peerName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("CreateVethPair"); err != nil {
		return err
	}
	if _, exists := h.links[hostName]; exists {
		return fmt.Errorf("link %q already exists", hostName)
	}
	if _, exists := h.links[peerName]; exists {
		return fmt.Errorf("link %q already exists", peerName)
	}
	h.links[hostName] = &fakeLink{peer: peerName}
	h.links[peerName] = &fakeLink{peer: hostName}
	return nil
}

func (h *FakeHandle) DeleteLink(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("DeleteLink"); err != nil {
		return err
	}
	link, exists := h.links[name]
	if !exists {
		return nil
	}
	delete(h.links, name)
	if link.peer != "" {
		delete(h.links, link.peer)
	}
	return nil
}

func (h *FakeHandle) SetLinkUp(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("SetLinkUp"); err != nil {
		return err
	}
	link, exists := h.links[name]
	if !exists {
		return fmt.Errorf("link %q not found", name)
	}
	link.up = true
	return nil
}

func (h *FakeHandle) MoveLinkToNamespace(linkName, nsName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("MoveLinkToNamespace"); err != nil {
		return err
	}
	link, exists := h.links[linkName]
	if !exists {
		return fmt.Errorf("link %q not found", linkName)
	}
	if !h.namespaces[nsName] {
		return fmt.Errorf("namespace %q not found", nsName)
	}
	link.namespace = nsName
	return nil
}

func (h *FakeHandle) AddAddress(linkName, cidr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("AddAddress"); err != nil {
		return err
	}
	link, exists := h.links[linkName]
	if !exists {
		return fmt.Errorf("link %q not found", linkName)
	}
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("invalid address %q: %w", cidr, err)
	}
	link.addresses = append(link.addresses, cidr)
	return nil
}

func (h *FakeHandle) AddRoute(dstCIDR string, gw net.IP, linkName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("AddRoute"); err != nil {
		return err
	}
	if _, exists := h.links[linkName]; !exists {
		return fmt.Errorf("link %q not found", linkName)
	}
	_, dst, err := net.ParseCIDR(dstCIDR)
	if err != nil {
		return fmt.Errorf("invalid route destination %q: %w", dstCIDR, err)
	}
	h.routes = append(h.routes, Route{Dst: dst, Gw: gw, LinkName: linkName})
	return nil
}

func (h *FakeHandle) ListRoutes() ([]Route, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("ListRoutes"); err != nil {
		return nil, err
	}
	result := make([]Route, len(h.routes))
	copy(result, h.routes)
	return result, nil
}

func (h *FakeHandle) DefaultInterface() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("DefaultInterface"); err != nil {
		return "", err
	}
	for _, route := range h.routes {
		if route.IsDefault() && route.LinkName != "" {
			return route.LinkName, nil
		}
	}
	return "", fmt.Errorf("no default IPv4 route found")
}

func (h *FakeHandle) SetupNamespace(nsName, peerName, peerCIDR string, gateway net.IP) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failure("SetupNamespace"); err != nil {
		return err
	}
	if !h.namespaces[nsName] {
		return fmt.Errorf("namespace %q not found", nsName)
	}
	link, exists := h.links[peerName]
	if !exists {
		return fmt.Errorf("link %q not found", peerName)
	}
	if link.namespace != nsName {
		return fmt.Errorf("link %q is not in namespace %q", peerName, nsName)
	}
	if _, _, err := net.ParseCIDR(peerCIDR); err != nil {
		return fmt.Errorf("invalid address %q: %w", peerCIDR, err)
	}
	link.up = true
	link.addresses = append(link.addresses, peerCIDR)
	return nil
}

// NamespaceCount returns the number of namespaces currently registered.
func (h *FakeHandle) NamespaceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.namespaces)
}

// LinkCount returns the number of links currently registered.
func (h *FakeHandle) LinkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// LinkUp reports whether the named link exists and is up.
func (h *FakeHandle) LinkUp(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	link, exists := h.links[name]
	return exists && link.up
}

// LinkNamespace returns the namespace the named link lives in, or an
// empty string for the root namespace.
func (h *FakeHandle) LinkNamespace(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if link, exists := h.links[name]; exists {
		return link.namespace
	}
	return ""
}

// LinkAddresses returns the addresses assigned to the named link.
func (h *FakeHandle) LinkAddresses(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if link, exists := h.links[name]; exists {
		result := make([]string, len(link.addresses))
		copy(result, link.addresses)
		return result
	}
	return nil
}
