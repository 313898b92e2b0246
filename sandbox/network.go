package sandbox

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/enclave-dev/enclave/logging/logger"
)

// TargetKind discriminates NetworkTarget variants.
type TargetKind int

const (
	TargetDomain TargetKind = iota + 1
	TargetIP
	TargetIPPort
	TargetIPPortRange
)

// NetworkTarget is one declared outbound destination.
type NetworkTarget struct {
	Kind      TargetKind `json:"kind" msgpack:"kind"`
	Domain    string     `json:"domain,omitempty" msgpack:"domain"`
	IP        string     `json:"ip,omitempty" msgpack:"ip"`
	PortStart uint16     `json:"port_start,omitempty" msgpack:"port_start"`
	PortEnd   uint16     `json:"port_end,omitempty" msgpack:"port_end"`
}

// Domain allows outbound traffic to a DNS name.
func Domain(name string) NetworkTarget {
	return NetworkTarget{Kind: TargetDomain, Domain: name}
}

// IP allows outbound traffic to a single address on any port.
func IP(addr string) NetworkTarget {
	return NetworkTarget{Kind: TargetIP, IP: addr}
}

// IPPort allows outbound traffic to address:port.
func IPPort(addr string, port uint16) NetworkTarget {
	return NetworkTarget{Kind: TargetIPPort, IP: addr, PortStart: port, PortEnd: port}
}

// IPPortRange allows outbound traffic to an address over a port range.
func IPPortRange(addr string, start, end uint16) NetworkTarget {
	return NetworkTarget{Kind: TargetIPPortRange, IP: addr, PortStart: start, PortEnd: end}
}

func (t NetworkTarget) String() string {
	switch t.Kind {
	case TargetDomain:
		return "domain:" + t.Domain
	case TargetIP:
		return "ip:" + t.IP
	case TargetIPPort:
		return fmt.Sprintf("ip:%s:%d", t.IP, t.PortStart)
	case TargetIPPortRange:
		return fmt.Sprintf("ip:%s:%d-%d", t.IP, t.PortStart, t.PortEnd)
	default:
		return "unknown"
	}
}

// NetworkConfig is a plugin's declared network policy.
type NetworkConfig struct {
	AllowAllOutbound bool            `json:"allow_all_outbound" msgpack:"allow_all_outbound"`
	AllowDNS         bool            `json:"allow_dns" msgpack:"allow_dns"`
	AllowLoopback    bool            `json:"allow_loopback" msgpack:"allow_loopback"`
	Targets          []NetworkTarget `json:"targets" msgpack:"targets"`
}

// DefaultNetworkConfig denies everything except loopback.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{AllowLoopback: true}
}

// PermissiveNetworkConfig allows all outbound traffic. The plugin still runs
// in its own namespace, isolated from sibling plugins.
func PermissiveNetworkConfig() NetworkConfig {
	return NetworkConfig{AllowAllOutbound: true, AllowDNS: true, AllowLoopback: true}
}

// RestrictiveNetworkConfig allows only the given targets plus DNS and
// loopback.
func RestrictiveNetworkConfig(targets ...NetworkTarget) NetworkConfig {
	return NetworkConfig{AllowDNS: true, AllowLoopback: true, Targets: targets}
}

// FirewallRule is one iptables invocation, arguments only.
type FirewallRule struct {
	Args    []string
	Comment string
}

func (r FirewallRule) String() string {
	return strings.Join(r.Args, " ")
}

// Resolver turns a domain into addresses. Swappable in tests.
type Resolver func(domain string) ([]net.IP, error)

func systemResolver(domain string) ([]net.IP, error) {
	return net.LookupIP(domain)
}

// GenerateRules derives the iptables rule set for cfg. Domain targets are
// resolved at generation time; since DNS answers drift, domain rules must be
// regenerated periodically (see NetworkSandbox.RefreshLoop) rather than
// trusted indefinitely.
func GenerateRules(cfg NetworkConfig, resolve Resolver) []FirewallRule {
	if resolve == nil {
		resolve = systemResolver
	}

	var rules []FirewallRule
	if cfg.AllowAllOutbound {
		rules = append(rules, FirewallRule{
			Args:    []string{"-A", "OUTPUT", "-j", "ACCEPT"},
			Comment: "allow all outbound",
		})
		return rules
	}

	if cfg.AllowLoopback {
		rules = append(rules, FirewallRule{
			Args:    []string{"-A", "OUTPUT", "-o", "lo", "-j", "ACCEPT"},
			Comment: "loopback",
		})
	}
	if cfg.AllowDNS {
		rules = append(rules,
			FirewallRule{Args: []string{"-A", "OUTPUT", "-p", "udp", "--dport", "53", "-j", "ACCEPT"}, Comment: "dns udp"},
			FirewallRule{Args: []string{"-A", "OUTPUT", "-p", "tcp", "--dport", "53", "-j", "ACCEPT"}, Comment: "dns tcp"},
		)
	}

	for _, target := range cfg.Targets {
		switch target.Kind {
		case TargetDomain:
			addrs, err := resolve(target.Domain)
			if err != nil {
				logger.Warnf(nil, "could not resolve firewall target %q, no rule emitted: %v", target.Domain, err)
				continue
			}
			for _, addr := range addrs {
				rules = append(rules, FirewallRule{
					Args:    []string{"-A", "OUTPUT", "-d", addr.String(), "-j", "ACCEPT"},
					Comment: "domain " + target.Domain,
				})
			}
		case TargetIP:
			rules = append(rules, FirewallRule{
				Args:    []string{"-A", "OUTPUT", "-d", target.IP, "-j", "ACCEPT"},
				Comment: target.String(),
			})
		case TargetIPPort:
			rules = append(rules, FirewallRule{
				Args:    []string{"-A", "OUTPUT", "-d", target.IP, "-p", "tcp", "--dport", fmt.Sprintf("%d", target.PortStart), "-j", "ACCEPT"},
				Comment: target.String(),
			})
		case TargetIPPortRange:
			rules = append(rules, FirewallRule{
				Args:    []string{"-A", "OUTPUT", "-d", target.IP, "-p", "tcp", "--dport", fmt.Sprintf("%d:%d", target.PortStart, target.PortEnd), "-j", "ACCEPT"},
				Comment: target.String(),
			})
		}
	}

	// Default deny must come last.
	rules = append(rules, FirewallRule{
		Args:    []string{"-A", "OUTPUT", "-j", "DROP"},
		Comment: "default deny",
	})
	return rules
}

// NetworkSandbox applies a per-plugin network namespace with a default-deny
// firewall derived from the plugin's declared targets.
type NetworkSandbox struct {
	plugin  string
	ns      string
	cfg     NetworkConfig
	resolve Resolver
	applied bool
}

// NewNetworkSandbox creates the sandbox for the named plugin.
func NewNetworkSandbox(plugin string, cfg NetworkConfig) *NetworkSandbox {
	return &NetworkSandbox{
		plugin:  plugin,
		ns:      "enclave-" + plugin,
		cfg:     cfg,
		resolve: systemResolver,
	}
}

// Namespace returns the network namespace name workers are launched into.
func (n *NetworkSandbox) Namespace() string {
	return n.ns
}

// Apply creates the namespace, brings up its loopback and installs the
// firewall rules.
func (n *NetworkSandbox) Apply() error {
	if runtime.GOOS != "linux" {
		return ErrUnsupported
	}
	if err := runCmd("ip", "netns", "add", n.ns); err != nil {
		return fmt.Errorf("sandbox: create netns %s: %v", n.ns, err)
	}
	if err := runCmd("ip", "netns", "exec", n.ns, "ip", "link", "set", "lo", "up"); err != nil {
		return fmt.Errorf("sandbox: bring up loopback in %s: %v", n.ns, err)
	}
	if err := n.installRules(); err != nil {
		return err
	}
	n.applied = true
	return nil
}

func (n *NetworkSandbox) installRules() error {
	if err := runCmd("ip", "netns", "exec", n.ns, "iptables", "-F", "OUTPUT"); err != nil {
		return fmt.Errorf("sandbox: flush rules in %s: %v", n.ns, err)
	}
	for _, rule := range GenerateRules(n.cfg, n.resolve) {
		args := append([]string{"netns", "exec", n.ns, "iptables"}, rule.Args...)
		if err := runCmd("ip", args...); err != nil {
			return fmt.Errorf("sandbox: install rule %q in %s: %v", rule, n.ns, err)
		}
	}
	return nil
}

// RefreshLoop re-resolves domain targets and reinstalls rules every
// interval, since static rules derived from DNS answers go stale. Returns
// when ctx is cancelled.
func (n *NetworkSandbox) RefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || !n.hasDomainTargets() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.applied {
				continue
			}
			if err := n.installRules(); err != nil {
				logger.Warnf(ctx, "refreshing firewall rules for %s: %v", n.plugin, err)
			}
		}
	}
}

func (n *NetworkSandbox) hasDomainTargets() bool {
	for _, t := range n.cfg.Targets {
		if t.Kind == TargetDomain {
			return true
		}
	}
	return false
}

// Cleanup deletes the namespace.
func (n *NetworkSandbox) Cleanup() error {
	if !n.applied {
		return nil
	}
	n.applied = false
	if err := runCmd("ip", "netns", "delete", n.ns); err != nil {
		return fmt.Errorf("sandbox: delete netns %s: %v", n.ns, err)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
