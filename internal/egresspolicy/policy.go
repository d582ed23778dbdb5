// Package egresspolicy compiles and hashes the deny-by-default host egress
// allowlist that the sandbox's DNS resolver and HTTP(S) proxy enforce, and
// verifies that the on-host network provisioner has actually wired it up.
//
// The engine never installs these rules itself: it only compiles the
// document callers hand it and, via Verifier, checks that the live
// iptables rules match the deny-by-default posture it expects.
package egresspolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type rawPolicy struct {
	Version int `yaml:"version"`
	Egress  struct {
		Default string        `yaml:"default"`
		Allow   []rawAllowRule `yaml:"allow"`
	} `yaml:"egress"`
}

type rawAllowRule struct {
	Host  string `yaml:"host"`
	Ports []int  `yaml:"ports"`
}

// AllowRule is one compiled (host, ports) allowlist entry.
type AllowRule struct {
	Host  string `json:"host"`
	Ports []int  `json:"ports"`
}

// CompiledPolicy is the validated, deterministically hashed allowlist.
type CompiledPolicy struct {
	Version int         `json:"version"`
	Default string      `json:"default"`
	Allow   []AllowRule `json:"allow"`
	Hash    string      `json:"hash"`
}

// Load reads and compiles the egress allowlist document at path.
func Load(path string) (*CompiledPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read egress policy %s: %w", path, err)
	}
	var raw rawPolicy
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse egress policy %s: %w", path, err)
	}
	return Compile(raw)
}

func Compile(raw rawPolicy) (*CompiledPolicy, error) {
	if raw.Version == 0 {
		return nil, errors.New("egress policy missing required field: version")
	}

	def := strings.TrimSpace(strings.ToLower(raw.Egress.Default))
	if def == "" {
		def = "deny"
	}
	if def != "deny" {
		return nil, fmt.Errorf("unsupported egress.default %q: the engine requires deny-by-default", def)
	}

	allow := make([]AllowRule, 0, len(raw.Egress.Allow))
	for _, rule := range raw.Egress.Allow {
		host := strings.TrimSpace(strings.ToLower(rule.Host))
		if host == "" {
			return nil, errors.New("allow rule host cannot be empty")
		}
		if len(rule.Ports) == 0 {
			return nil, fmt.Errorf("allow rule for host %q must include at least one port", host)
		}

		seen := map[int]struct{}{}
		ports := make([]int, 0, len(rule.Ports))
		for _, port := range rule.Ports {
			if port < 1 || port > 65535 {
				return nil, fmt.Errorf("allow rule for host %q contains invalid port %d", host, port)
			}
			if _, ok := seen[port]; ok {
				continue
			}
			seen[port] = struct{}{}
			ports = append(ports, port)
		}
		sort.Ints(ports)
		allow = append(allow, AllowRule{Host: host, Ports: ports})
	}
	sort.Slice(allow, func(i, j int) bool { return allow[i].Host < allow[j].Host })

	compiled := &CompiledPolicy{Version: raw.Version, Default: def, Allow: allow}
	hash, err := hashPolicy(compiled)
	if err != nil {
		return nil, err
	}
	compiled.Hash = hash
	return compiled, nil
}

// Allows reports whether host:port is present in the compiled allowlist.
func (p *CompiledPolicy) Allows(host string, port int) bool {
	host = strings.TrimSpace(strings.ToLower(host))
	for _, rule := range p.Allow {
		if rule.Host != host {
			continue
		}
		for _, candidate := range rule.Ports {
			if candidate == port {
				return true
			}
		}
	}
	return false
}

func hashPolicy(p *CompiledPolicy) (string, error) {
	clone := *p
	clone.Hash = ""
	payload, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
