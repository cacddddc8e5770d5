// Package network implements the NetworkPlumber component of spec.md
// §4.7: a bridge+veth attachment per container, IP lease bookkeeping,
// per-container port NAT, and an optional CNI-delegated mode for
// operators who already run a CNI plugin chain.
//
// The bridge/veth/addr wiring follows moby's libnetwork bridge driver
// (setup_ipv4.go's electBridgeIPv4/AddrAdd, setup_verify.go) adapted
// from libnetwork's own sandbox abstraction down to direct
// vishvananda/netlink and vishvananda/netns calls, since this runtime
// has no separate network-sandbox daemon to delegate to. Published-port
// NAT (nat.go) follows the same bridge driver's setupIPTables/
// portmapper.forward DNAT+MASQUERADE+FORWARD rule shape.
package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

const defaultBridgeName = "bock0"

// Mode selects spec.md §4.7's network attachment strategy.
type Mode string

const (
	ModeBridge  Mode = ""        // default: the bridge/veth pair this package manages
	ModeHost    Mode = "host"    // container shares the host's network namespace; nothing to attach
	ModeNone    Mode = "none"    // container gets only a loopback interface
	ModeMacvlan Mode = "macvlan" // macvlan sub-interface off Config.Parent
	ModeIPvlan  Mode = "ipvlan"  // ipvlan sub-interface off Config.Parent
)

// Config is the bundle-derived network request for one container.
type Config struct {
	ContainerID string
	NetNSPath   string
	Mode        Mode
	BridgeName  string
	BridgeCIDR  *net.IPNet // bridge's own address, created if the bridge doesn't exist yet
	ContainerIP *net.IPNet
	Gateway     net.IP
	MTU         int
	Parent      string        // host interface macvlan/ipvlan attach to
	Ports       []PortMapping // published ports, NATed in from the host
}

// Plumber attaches and detaches one container's network namespace.
type Plumber struct{}

func New() *Plumber { return &Plumber{} }

// Attach wires up cfg.Mode's network namespace: a bridge/veth pair by
// default, a macvlan/ipvlan sub-interface, loopback-only for "none",
// or nothing at all for "host" (the container already shares the
// host's namespace, so there is no fresh namespace to touch). Must run
// with the calling goroutine locked to its OS thread if the caller
// also intends to netns.Set back afterward.
func (p *Plumber) Attach(cfg Config) error {
	switch cfg.Mode {
	case ModeHost:
		return nil
	case ModeNone:
		return withNamespace(cfg.NetNSPath, func() error { return bringUpLoopback() })
	case ModeMacvlan, ModeIPvlan:
		if err := attachVlan(cfg); err != nil {
			return err
		}
	default:
		if err := attachBridge(cfg); err != nil {
			return err
		}
	}

	if len(cfg.Ports) > 0 && cfg.ContainerIP != nil {
		if err := publishPorts(cfg.ContainerID, cfg.ContainerIP.IP, cfg.Ports); err != nil {
			return err
		}
	}
	return nil
}

func attachBridge(cfg Config) error {
	bridgeName := cfg.BridgeName
	if bridgeName == "" {
		bridgeName = defaultBridgeName
	}
	br, err := ensureBridge(bridgeName, cfg.BridgeCIDR)
	if err != nil {
		return err
	}

	hostName := fmt.Sprintf("veth%s", shortID(cfg.ContainerID))
	peerName := "eth0"
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName, MTU: mtu, MasterIndex: br.Attrs().Index},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return bockerr.Wrap(bockerr.Internal, "creating veth pair", err)
	}
	hostLink, err := netlink.LinkByName(hostName)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "looking up host veth end", err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return bockerr.Wrap(bockerr.Internal, "bringing up host veth end", err)
	}

	peerLink, err := netlink.LinkByName(peerName)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "looking up container veth end", err)
	}

	targetNS, err := netns.GetFromPath(cfg.NetNSPath)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "opening target network namespace", err)
	}
	defer targetNS.Close()

	if err := netlink.LinkSetNsFd(peerLink, int(targetNS)); err != nil {
		return bockerr.Wrap(bockerr.Internal, "moving veth peer into container netns", err)
	}

	return configureInNamespace(targetNS, peerName, cfg)
}

// attachVlan creates a macvlan or ipvlan sub-interface off cfg.Parent
// directly inside the container's network namespace (both link types
// support ParentIndex + Namespace together, skipping the separate
// create-then-LinkSetNsFd dance the veth path needs), then assigns the
// container address the same way attachBridge does.
func attachVlan(cfg Config) error {
	if cfg.Parent == "" {
		return bockerr.New(bockerr.InvalidSpec, "macvlan/ipvlan mode requires a parent interface")
	}
	parent, err := netlink.LinkByName(cfg.Parent)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "looking up parent interface "+cfg.Parent, err)
	}

	targetNS, err := netns.GetFromPath(cfg.NetNSPath)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "opening target network namespace", err)
	}
	defer targetNS.Close()

	peerName := "eth0"
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}
	attrs := netlink.LinkAttrs{Name: peerName, MTU: mtu, ParentIndex: parent.Attrs().Index, Namespace: netlink.NsFd(targetNS)}

	var link netlink.Link
	if cfg.Mode == ModeIPvlan {
		link = &netlink.IPVlan{LinkAttrs: attrs, Mode: netlink.IPVLAN_MODE_L2}
	} else {
		link = &netlink.Macvlan{LinkAttrs: attrs, Mode: netlink.MACVLAN_MODE_BRIDGE}
	}
	if err := netlink.LinkAdd(link); err != nil {
		return bockerr.Wrap(bockerr.Internal, fmt.Sprintf("creating %s interface", cfg.Mode), err)
	}

	return configureInNamespace(targetNS, peerName, cfg)
}

// withNamespace runs fn with the calling thread's network namespace
// temporarily switched to netNSPath, for modes (like "none") that only
// need a single operation inside the container namespace.
func withNamespace(netNSPath string, fn func() error) error {
	targetNS, err := netns.GetFromPath(netNSPath)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "opening target network namespace", err)
	}
	defer targetNS.Close()

	origin, err := netns.Get()
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "getting current network namespace", err)
	}
	defer netns.Set(origin)
	defer origin.Close()

	if err := netns.Set(targetNS); err != nil {
		return bockerr.Wrap(bockerr.Internal, "entering container network namespace", err)
	}
	return fn()
}

// Detach removes the host-side veth end (bridge mode) or the NAT
// chain and sub-interface (macvlan/ipvlan/host/none have nothing else
// host-side to remove; the peer and any sub-interface disappear with
// the container's network namespace).
func (p *Plumber) Detach(cfg Config) error {
	if len(cfg.Ports) > 0 {
		ip := net.IP(nil)
		if cfg.ContainerIP != nil {
			ip = cfg.ContainerIP.IP
		}
		_ = unpublishPorts(cfg.ContainerID, ip, cfg.Ports)
	}

	if cfg.Mode != ModeBridge {
		return nil
	}

	hostName := fmt.Sprintf("veth%s", shortID(cfg.ContainerID))
	link, err := netlink.LinkByName(hostName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return bockerr.Wrap(bockerr.Internal, "looking up host veth end for teardown", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return bockerr.Wrap(bockerr.Internal, "deleting host veth end", err)
	}
	return nil
}

func ensureBridge(name string, cidr *net.IPNet) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err == nil {
		return link, nil
	}
	if _, ok := err.(netlink.LinkNotFoundError); !ok {
		return nil, bockerr.Wrap(bockerr.Internal, "looking up bridge", err)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "creating bridge", err)
	}
	if cidr != nil {
		if err := netlink.AddrAdd(br, &netlink.Addr{IPNet: cidr}); err != nil {
			return nil, bockerr.Wrap(bockerr.Internal, "assigning bridge address", err)
		}
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "bringing up bridge", err)
	}
	return br, nil
}

// configureInNamespace runs netlink operations against the container
// namespace by temporarily switching the calling thread's netns, the
// pattern libnetwork's sandbox/namespace_linux.go uses around
// netns.Set before any per-namespace netlink call.
func configureInNamespace(ns netns.NsHandle, linkName string, cfg Config) error {
	origin, err := netns.Get()
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "getting current network namespace", err)
	}
	defer netns.Set(origin)
	defer origin.Close()

	if err := netns.Set(ns); err != nil {
		return bockerr.Wrap(bockerr.Internal, "entering container network namespace", err)
	}

	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "looking up container-side veth after netns move", err)
	}
	if cfg.ContainerIP != nil {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: cfg.ContainerIP}); err != nil {
			return bockerr.Wrap(bockerr.Internal, "assigning container address", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return bockerr.Wrap(bockerr.Internal, "bringing up container veth end", err)
	}
	if err := bringUpLoopback(); err != nil {
		return err
	}
	if cfg.Gateway != nil {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: cfg.Gateway}
		if err := netlink.RouteAdd(route); err != nil {
			return bockerr.Wrap(bockerr.Internal, "adding default route", err)
		}
	}
	return nil
}

func bringUpLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "looking up loopback", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return bockerr.Wrap(bockerr.Internal, "bringing up loopback", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
