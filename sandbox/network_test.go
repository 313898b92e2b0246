package sandbox

import (
	"net"
	"strings"
	"testing"
)

func fakeResolver(addrs map[string][]string) Resolver {
	return func(domain string) ([]net.IP, error) {
		var out []net.IP
		for _, a := range addrs[domain] {
			out = append(out, net.ParseIP(a))
		}
		return out, nil
	}
}

func TestGenerateRulesAllowAllShortCircuits(t *testing.T) {
	cfg := PermissiveNetworkConfig()
	rules := GenerateRules(cfg, nil)
	if len(rules) != 1 {
		t.Fatalf("allow-all should emit exactly one rule, got %d", len(rules))
	}
	if !strings.Contains(rules[0].String(), "ACCEPT") {
		t.Errorf("allow-all rule = %s", rules[0])
	}
}

func TestGenerateRulesDefaultDenyLast(t *testing.T) {
	cfg := RestrictiveNetworkConfig(IP("203.0.113.9"))
	rules := GenerateRules(cfg, nil)
	last := rules[len(rules)-1]
	if !strings.Contains(last.String(), "DROP") {
		t.Errorf("last rule should be default deny, got %s", last)
	}
	for _, r := range rules[:len(rules)-1] {
		if strings.Contains(r.String(), "DROP") {
			t.Errorf("DROP rule before the end: %s", r)
		}
	}
}

func TestGenerateRulesTargets(t *testing.T) {
	cfg := RestrictiveNetworkConfig(
		IP("198.51.100.7"),
		IPPort("198.51.100.8", 443),
		IPPortRange("198.51.100.9", 8000, 8080),
		Domain("api.example.com"),
	)
	resolve := fakeResolver(map[string][]string{
		"api.example.com": {"192.0.2.10", "192.0.2.11"},
	})
	rules := GenerateRules(cfg, resolve)

	joined := make([]string, len(rules))
	for i, r := range rules {
		joined[i] = r.String()
	}
	all := strings.Join(joined, "\n")

	for _, want := range []string{
		"-d 198.51.100.7 -j ACCEPT",
		"--dport 443",
		"--dport 8000:8080",
		"-d 192.0.2.10",
		"-d 192.0.2.11",
		"--dport 53",
		"-o lo",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("rules missing %q:\n%s", want, all)
		}
	}
}

func TestGenerateRulesUnresolvableDomainSkipped(t *testing.T) {
	cfg := RestrictiveNetworkConfig(Domain("does-not-resolve.invalid"))
	resolve := func(string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "does-not-resolve.invalid"}
	}
	rules := GenerateRules(cfg, resolve)
	for _, r := range rules {
		if strings.Contains(r.Comment, "does-not-resolve") {
			t.Errorf("unresolvable domain produced rule %s", r)
		}
	}
	if !strings.Contains(rules[len(rules)-1].String(), "DROP") {
		t.Error("default deny missing when domain resolution fails")
	}
}

func TestNetworkTargetString(t *testing.T) {
	if got := IPPortRange("10.0.0.1", 80, 90).String(); got != "ip:10.0.0.1:80-90" {
		t.Errorf("String() = %s", got)
	}
	if got := Domain("example.com").String(); got != "domain:example.com" {
		t.Errorf("String() = %s", got)
	}
}
