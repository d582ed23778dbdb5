//go:build linux

package main

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// bootCmdline is the parsed subset of /proc/cmdline this binary acts on.
// Keys not present here default to DHCP-and-no-probes per the boot
// contract.
type bootCmdline struct {
	staticCIDR       string
	staticGateway    string
	staticDNS        []string
	netChecksEnabled bool
	netCheckTimeout  time.Duration
}

func readCmdline(path string) (bootCmdline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return bootCmdline{}, err
	}
	cfg := bootCmdline{netCheckTimeout: 10 * time.Second}
	for _, field := range strings.Fields(string(raw)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "acore_static_ip":
			cfg.staticCIDR = value
		case "acore_static_gw":
			cfg.staticGateway = value
		case "acore_static_dns":
			for _, ip := range strings.Split(value, ",") {
				if ip != "" {
					cfg.staticDNS = append(cfg.staticDNS, ip)
				}
			}
		case "acore_net_checks":
			cfg.netChecksEnabled = value == "1"
		case "acore_net_check_timeout":
			if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
				cfg.netCheckTimeout = time.Duration(secs) * time.Second
			}
		}
	}
	return cfg, nil
}

func (c bootCmdline) parsedStaticAddr() (*net.IPNet, error) {
	ip, ipNet, err := net.ParseCIDR(c.staticCIDR)
	if err != nil {
		return nil, err
	}
	ipNet.IP = ip
	return ipNet, nil
}
