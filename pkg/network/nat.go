package network

import (
	"fmt"
	"net"
	"os"

	"github.com/coreos/go-iptables/iptables"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// PortMapping is one published port, spec.md §4.7's host-to-container
// forward.
type PortMapping struct {
	HostPort      uint16
	ContainerPort uint16
	Protocol      string // "tcp" or "udp"; empty means "tcp"
	HostIP        string // empty means every host interface
}

func (m PortMapping) protocol() string {
	if m.Protocol == "" {
		return "tcp"
	}
	return m.Protocol
}

// natChainName derives a deterministic per-container NAT chain name,
// the same "one chain per container/network, named from its ID" shape
// moby-moby's bridge driver uses for its own DOCKER chain, scoped down
// to a single container rather than the whole bridge.
func natChainName(containerID string) string {
	return "BOCK-" + shortID(containerID)
}

// enableIPForwarding flips net.ipv4.ip_forward on, mirroring moby-moby's
// bridge driver (daemon/networkdriver/bridge/driver.go's
// config.EnableIpForward branch) writing directly to the proc sysctl
// file rather than shelling out to sysctl(8).
func enableIPForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0o644); err != nil {
		return bockerr.Wrap(bockerr.Internal, "enabling ip_forward", err)
	}
	return nil
}

// publishPorts installs a per-container NAT chain and, for each
// mapping, a PREROUTING DNAT rule into it plus POSTROUTING MASQUERADE
// and FORWARD ACCEPT rules, the same three-rule shape cuemby-warren's
// HostPortPublisher.setupPortForwarding drives through the iptables
// CLI, here issued through coreos/go-iptables instead of exec.Command.
func publishPorts(containerID string, containerIP net.IP, ports []PortMapping) error {
	if len(ports) == 0 {
		return nil
	}
	if err := enableIPForwarding(); err != nil {
		return err
	}

	ipt, err := iptables.New()
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "initializing iptables", err)
	}

	chain := natChainName(containerID)
	if err := ipt.NewChain("nat", chain); err != nil && !isChainExistsErr(err) {
		return bockerr.Wrap(bockerr.Internal, "creating nat chain "+chain, err)
	}
	if err := ipt.AppendUnique("nat", "PREROUTING", "-j", chain); err != nil {
		return bockerr.Wrap(bockerr.Internal, "hooking nat chain "+chain+" into PREROUTING", err)
	}

	for _, m := range ports {
		proto := m.protocol()
		dest := fmt.Sprintf("%s:%d", containerIP.String(), m.ContainerPort)

		dnatArgs := []string{"-p", proto, "--dport", fmt.Sprint(m.HostPort), "-j", "DNAT", "--to-destination", dest}
		if m.HostIP != "" {
			dnatArgs = append([]string{"-d", m.HostIP}, dnatArgs...)
		}
		if err := ipt.AppendUnique("nat", chain, dnatArgs...); err != nil {
			return bockerr.Wrap(bockerr.Internal, "installing DNAT rule for port "+fmt.Sprint(m.HostPort), err)
		}

		if err := ipt.AppendUnique("nat", "POSTROUTING",
			"-p", proto, "-d", containerIP.String(), "--dport", fmt.Sprint(m.ContainerPort), "-j", "MASQUERADE"); err != nil {
			return bockerr.Wrap(bockerr.Internal, "installing MASQUERADE rule for port "+fmt.Sprint(m.ContainerPort), err)
		}

		if err := ipt.AppendUnique("filter", "FORWARD",
			"-p", proto, "-d", containerIP.String(), "--dport", fmt.Sprint(m.ContainerPort), "-j", "ACCEPT"); err != nil {
			return bockerr.Wrap(bockerr.Internal, "installing FORWARD accept rule for port "+fmt.Sprint(m.ContainerPort), err)
		}
	}
	return nil
}

// unpublishPorts tears down everything publishPorts installed for this
// container. Best-effort: missing rules/chains (already gone, or never
// created because Attach failed before publishPorts ran) are not
// treated as errors.
func unpublishPorts(containerID string, containerIP net.IP, ports []PortMapping) error {
	if len(ports) == 0 {
		return nil
	}
	ipt, err := iptables.New()
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "initializing iptables", err)
	}

	chain := natChainName(containerID)

	if containerIP != nil {
		for _, m := range ports {
			proto := m.protocol()
			_ = ipt.Delete("filter", "FORWARD",
				"-p", proto, "-d", containerIP.String(), "--dport", fmt.Sprint(m.ContainerPort), "-j", "ACCEPT")
			_ = ipt.Delete("nat", "POSTROUTING",
				"-p", proto, "-d", containerIP.String(), "--dport", fmt.Sprint(m.ContainerPort), "-j", "MASQUERADE")
		}
	}

	_ = ipt.Delete("nat", "PREROUTING", "-j", chain)
	_ = ipt.ClearChain("nat", chain)
	_ = ipt.DeleteChain("nat", chain)
	return nil
}

func isChainExistsErr(err error) bool {
	se, ok := err.(*iptables.Error)
	return ok && se.ExitStatus() == 1
}
