package egresspolicy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-iptables/iptables"
)

// MetadataAddr is the cloud metadata endpoint that must never be reachable
// from a guest, with or without the proxy.
const MetadataAddr = "169.254.169.254"

// ReadinessReport summarizes whether the host's network provisioner has
// actually wired up the deny-by-default posture this policy describes. The
// engine never installs these rules (see package doc); it only checks them.
type ReadinessReport struct {
	TAPFilterPresent    bool // "! -i <tap-prefix>+ ... DROP" rule exists on the gateway chain
	MetadataBlocked     bool // a REJECT/DROP rule for the metadata address exists
	ProxyReachable      bool
	DNSResolverReachable bool
	Errors              []string
}

// Ready reports whether every check in the report passed.
func (r ReadinessReport) Ready() bool {
	return r.TAPFilterPresent && r.MetadataBlocked && r.ProxyReachable && r.DNSResolverReachable && len(r.Errors) == 0
}

// Verifier checks host readiness for the egress policy described above. It
// never mutates iptables state.
type Verifier struct {
	TAPPrefix  string
	GatewayIP  string
	ProxyPort  int
	DNSPort    int
	DialTimeout time.Duration
}

// Check runs all readiness checks and returns the aggregate report. It does
// not return an error itself; individual failures are recorded in the
// report so a caller (the `doctor` CLI command) can surface partial
// readiness.
func (v Verifier) Check() ReadinessReport {
	report := ReadinessReport{}

	ipt, err := iptables.New()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("open iptables handle: %v", err))
	} else {
		report.TAPFilterPresent = v.hasTAPFilterRule(ipt)
		report.MetadataBlocked = v.hasMetadataBlockRule(ipt)
	}

	timeout := v.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	report.ProxyReachable = dialReachable(net.JoinHostPort(v.GatewayIP, strconv.Itoa(v.ProxyPort)), timeout)
	report.DNSResolverReachable = dialReachable(net.JoinHostPort(v.GatewayIP, strconv.Itoa(v.DNSPort)), timeout)

	return report
}

func (v Verifier) hasTAPFilterRule(ipt *iptables.IPTables) bool {
	rules, err := ipt.List("filter", "INPUT")
	if err != nil {
		return false
	}
	needle := fmt.Sprintf("! -i %s+", v.TAPPrefix)
	for _, rule := range rules {
		if containsAll(rule, needle, "DROP") {
			return true
		}
	}
	return false
}

func (v Verifier) hasMetadataBlockRule(ipt *iptables.IPTables) bool {
	rules, err := ipt.List("filter", "OUTPUT")
	if err != nil {
		return false
	}
	for _, rule := range rules {
		if containsAll(rule, MetadataAddr, "REJECT") || containsAll(rule, MetadataAddr, "DROP") {
			return true
		}
	}
	return false
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}

func dialReachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
