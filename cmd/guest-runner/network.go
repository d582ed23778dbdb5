//go:build linux

package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/client4"
	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

const guestIfaceName = "eth0"

// netConfig is what the rest of the runner needs to know about the link
// it ends up with, regardless of whether it came from the static
// cmdline contract or a DHCP fallback.
type netConfig struct {
	gatewayIP  net.IP
	dnsServers []net.IP
}

// bringUpLoopback brings up lo so anything binding to 127.0.0.1 (the
// evaluator step has no need to, but some Terraform providers probe it)
// works from the first moment.
func bringUpLoopback() error {
	return setLinkUp("lo")
}

// configureNetwork brings up eth0 with either the host-supplied static
// address or, if none was supplied, a DHCP lease against the bridge
// gateway — mirroring the dual-path contract in the boot-cmdline
// convention (§4.4 step 2).
func configureNetwork(cmdline bootCmdline) (netConfig, error) {
	if err := setLinkUp(guestIfaceName); err != nil {
		return netConfig{}, fmt.Errorf("bring up %s: %w", guestIfaceName, err)
	}
	if err := disableIPv6(guestIfaceName); err != nil {
		return netConfig{}, fmt.Errorf("disable ipv6 on %s: %w", guestIfaceName, err)
	}

	if cmdline.staticCIDR != "" {
		return configureStatic(cmdline)
	}
	return configureDHCP()
}

func configureStatic(cmdline bootCmdline) (netConfig, error) {
	addr, err := cmdline.parsedStaticAddr()
	if err != nil {
		return netConfig{}, fmt.Errorf("parse acore_static_ip %q: %w", cmdline.staticCIDR, err)
	}
	if err := addAddress(guestIfaceName, addr); err != nil {
		return netConfig{}, err
	}
	gw := net.ParseIP(cmdline.staticGateway)
	if gw == nil {
		return netConfig{}, fmt.Errorf("invalid acore_static_gw %q", cmdline.staticGateway)
	}
	if err := addDefaultRoute(guestIfaceName, gw); err != nil {
		return netConfig{}, err
	}
	dns := make([]net.IP, 0, len(cmdline.staticDNS))
	for _, raw := range cmdline.staticDNS {
		if ip := net.ParseIP(raw); ip != nil {
			dns = append(dns, ip)
		}
	}
	if len(dns) == 0 {
		dns = []net.IP{gw}
	}
	return netConfig{gatewayIP: gw, dnsServers: dns}, nil
}

// configureDHCP is the fallback path when the host didn't supply a
// static address on the cmdline. Bounded retries match the "bounded
// retries" requirement in §4.4 step 2.
func configureDHCP() (netConfig, error) {
	client := client4.NewClient()
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		conv, err := client.Exchange(guestIfaceName)
		if err == nil && len(conv) > 0 {
			ack := conv[len(conv)-1]
			return netConfigFromACK(ack)
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	return netConfig{}, fmt.Errorf("dhcp lease on %s: %w", guestIfaceName, lastErr)
}

func netConfigFromACK(ack *dhcpv4.DHCPv4) (netConfig, error) {
	if ack.YourIPAddr == nil || ack.YourIPAddr.IsUnspecified() {
		return netConfig{}, fmt.Errorf("dhcp ack carried no lease address")
	}
	mask := ack.SubnetMask()
	if mask == nil {
		mask = net.CIDRMask(24, 32)
	}
	addr := &net.IPNet{IP: ack.YourIPAddr, Mask: mask}
	if err := addAddress(guestIfaceName, addr); err != nil {
		return netConfig{}, err
	}

	gw := ack.Router()
	var gatewayIP net.IP
	if len(gw) > 0 {
		gatewayIP = gw[0]
		if err := addDefaultRoute(guestIfaceName, gatewayIP); err != nil {
			return netConfig{}, err
		}
	}

	dns := ack.DNS()
	if len(dns) == 0 && gatewayIP != nil {
		dns = []net.IP{gatewayIP}
	}
	return netConfig{gatewayIP: gatewayIP, dnsServers: dns}, nil
}

func setLinkUp(name string) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  uint32(iface.Index),
		Flags:  unix.IFF_UP,
		Change: unix.IFF_UP,
	})
}

func disableIPv6(name string) error {
	path := fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/disable_ipv6", name)
	if _, err := os.Stat(path); err != nil {
		return nil // no IPv6 stack compiled in; nothing to disable
	}
	return os.WriteFile(path, []byte("1\n"), 0o644)
}

func addAddress(name string, addr *net.IPNet) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", name, err)
	}
	prefixLen, _ := addr.Mask.Size()
	ip4 := addr.IP.To4()
	if err := conn.Address.New(&rtnetlink.AddressMessage{
		Family:       unix.AF_INET,
		PrefixLength: uint8(prefixLen),
		Index:        uint32(iface.Index),
		Attributes: &rtnetlink.AddressAttributes{
			Address: ip4,
			Local:   ip4,
		},
	}); err != nil {
		return fmt.Errorf("assign address %s to %s: %w", addr, name, err)
	}
	return nil
}

func addDefaultRoute(name string, gateway net.IP) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return conn.Route.Add(&rtnetlink.RouteMessage{
		Family:    unix.AF_INET,
		Table:     unix.RT_TABLE_MAIN,
		Protocol:  unix.RTPROT_STATIC,
		Scope:     unix.RT_SCOPE_UNIVERSE,
		Type:      unix.RTN_UNICAST,
		DstLength: 0,
		Attributes: rtnetlink.RouteAttributes{
			Gateway:  gateway.To4(),
			OutIface: uint32(iface.Index),
		},
	})
}

// writeResolvConf writes a minimal resolv.conf pointed at the resolved
// DNS servers and bind-mounts it over /etc/resolv.conf, since the
// validator-bundle rootfs is mounted read-only.
func writeResolvConf(servers []net.IP) error {
	path := "/run/resolv.conf"
	var body string
	for _, ip := range servers {
		body += fmt.Sprintf("nameserver %s\n", ip)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := unix.Mount(path, "/etc/resolv.conf", "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount resolv.conf: %w", err)
	}
	return nil
}
