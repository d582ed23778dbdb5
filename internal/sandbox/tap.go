package sandbox

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// tapNamespaceUUID seeds the deterministic MAC generation; it has no
// meaning beyond giving uuid.NewSHA1 a stable namespace.
var tapNamespaceUUID = uuid.MustParse("8f14e45f-ceea-467e-bd9d-39d6f39a4b1e")

// TAPDevice describes one allocated TAP device leased to a single job.
type TAPDevice struct {
	Name       string
	MACAddress net.HardwareAddr
	GuestIP    net.IP
	HostIP     net.IP
	Mask       net.IPMask
	fd         int
	lockPath   string
}

// TAPPool hands out TAP devices from a fixed-size numbered range
// (<prefix>0, <prefix>1, ...), using a lockfile per slot so that
// concurrent workers on the same host never race for the same device.
// Device creation goes through a raw TUNSETIFF ioctl on /dev/net/tun
// rather than shelling out to "ip tuntap add", and IP configuration goes
// through rtnetlink rather than "ip addr"/"ip link".
type TAPPool struct {
	prefix   string
	lockDir  string
	size     int
	hostCIDR *net.IPNet
}

// TAPPoolOptions configures a TAPPool.
type TAPPoolOptions struct {
	Prefix  string
	LockDir string
	Size    int
	// Network is the /24 (or larger) the pool's static host/guest pairs
	// are drawn from; slot N gets its own /30 with host .(<base>+4N+1)
	// and guest .(<base>+4N+2).
	Network *net.IPNet
}

// NewTAPPool validates options and returns a ready pool. It does not
// allocate any devices.
func NewTAPPool(opts TAPPoolOptions) (*TAPPool, error) {
	if strings.TrimSpace(opts.Prefix) == "" {
		return nil, fmt.Errorf("sandbox: TAP pool prefix is required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("sandbox: TAP pool size must be positive")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("sandbox: TAP pool network is required")
	}
	if err := os.MkdirAll(opts.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create TAP lock directory %q: %w", opts.LockDir, err)
	}
	return &TAPPool{prefix: opts.Prefix, lockDir: opts.LockDir, size: opts.Size, hostCIDR: opts.Network}, nil
}

// Acquire claims the first free slot in the pool, creates its TAP device,
// and brings it up with a deterministic point-to-point address pair keyed
// to the slot number. jobID seeds the device's MAC address so repeated
// runs of the same job are easy to correlate in host-side packet capture.
func (p *TAPPool) Acquire(ctx context.Context, jobID string) (*TAPDevice, error) {
	for slot := 0; slot < p.size; slot++ {
		name := fmt.Sprintf("%s%d", p.prefix, slot)
		lockPath := filepath.Join(p.lockDir, name+".lock")

		acquired, err := acquireLock(lockPath)
		if err != nil {
			return nil, err
		}
		if !acquired {
			continue
		}

		dev, err := p.createDevice(name, jobID, slot, lockPath)
		if err != nil {
			releaseLock(lockPath)
			return nil, err
		}
		return dev, nil
	}
	return nil, fmt.Errorf("sandbox: no free TAP device in pool of %d", p.size)
}

// Release tears the TAP device down and frees its slot lock. It is safe
// to call more than once.
func (p *TAPPool) Release(dev *TAPDevice) error {
	if dev == nil {
		return nil
	}
	var firstErr error
	if dev.fd != 0 {
		if err := unix.Close(dev.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close TAP fd for %s: %w", dev.Name, err)
		}
	}
	releaseLock(dev.lockPath)
	return firstErr
}

func (p *TAPPool) createDevice(name, jobID string, slot int, lockPath string) (*TAPDevice, error) {
	fd, err := createTunTapDevice(name)
	if err != nil {
		return nil, err
	}

	hostIP, guestIP, mask, err := slotAddresses(p.hostCIDR, slot)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	mac := deterministicMAC(jobID, name)

	if err := configureLink(name, mac, hostIP, mask); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &TAPDevice{
		Name:       name,
		MACAddress: mac,
		GuestIP:    guestIP,
		HostIP:     hostIP,
		Mask:       mask,
		fd:         fd,
		lockPath:   lockPath,
	}, nil
}

// createTunTapDevice opens /dev/net/tun and issues a TUNSETIFF ioctl to
// create (or attach to) a persistent TAP device, in place of shelling out
// to "ip tuntap add mode tap".
func createTunTapDevice(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("build ifreq for %s: %w", name, err)
	}
	ifreq.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifreq); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("TUNSETIFF for %s: %w", name, err)
	}
	return fd, nil
}

// configureLink assigns a host-side address to the TAP device and brings
// it up via rtnetlink, in place of shelling out to "ip addr add" / "ip
// link set up".
func configureLink(name string, mac net.HardwareAddr, hostIP net.IP, mask net.IPMask) error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", name, err)
	}

	prefixLen, _ := mask.Size()
	if err := conn.Address.New(&rtnetlink.AddressMessage{
		Family:       unix.AF_INET,
		PrefixLength: uint8(prefixLen),
		Index:        uint32(iface.Index),
		Attributes: &rtnetlink.AddressAttributes{
			Address: hostIP.To4(),
			Local:   hostIP.To4(),
		},
	}); err != nil {
		return fmt.Errorf("assign address %s to %s: %w", hostIP, name, err)
	}

	_ = mac // the MAC is applied to the guest side via the firecracker network-interface guest_mac, not the host link.

	if err := conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  uint32(iface.Index),
		Flags:  unix.IFF_UP,
		Change: unix.IFF_UP,
	}); err != nil {
		return fmt.Errorf("bring up link %s: %w", name, err)
	}
	return nil
}

// slotAddresses derives a deterministic host/guest address pair for a TAP
// pool slot from the pool's base network: slot N gets a dedicated /30
// starting at base + 4*N, with the host taking the first usable address
// and the guest the second.
func slotAddresses(base *net.IPNet, slot int) (hostIP, guestIP net.IP, mask net.IPMask, err error) {
	baseIP := base.IP.To4()
	if baseIP == nil {
		return nil, nil, nil, fmt.Errorf("sandbox: TAP pool network must be IPv4")
	}
	offset := uint32(slot) * 4
	baseInt := uint32(baseIP[0])<<24 | uint32(baseIP[1])<<16 | uint32(baseIP[2])<<8 | uint32(baseIP[3])
	hostInt := baseInt + offset + 1
	guestInt := baseInt + offset + 2
	return intToIP(hostInt), intToIP(guestInt), net.CIDRMask(30, 32), nil
}

func intToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// deterministicMAC derives a locally-administered MAC address from the
// job ID and device name so repeated runs are traceable without leaking
// any host identity into the address.
func deterministicMAC(jobID, deviceName string) net.HardwareAddr {
	id := uuid.NewSHA1(tapNamespaceUUID, []byte(jobID+"/"+deviceName))
	sum := sha1.Sum(id[:])
	mac := make(net.HardwareAddr, 6)
	copy(mac, sum[:6])
	mac[0] = (mac[0] | 0x02) & 0xfe // locally administered, unicast
	return mac
}

// acquireLock claims an exclusive lockfile for a TAP slot, reclaiming it
// if the process recorded inside is no longer alive.
func acquireLock(lockPath string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().Unix())
		_ = f.Close()
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("create TAP lock %q: %w", lockPath, err)
	}

	owner, err := readLockOwner(lockPath)
	if err != nil || ownerAlive(owner) {
		return false, nil
	}

	if rmErr := os.Remove(lockPath); rmErr != nil {
		return false, nil
	}
	return acquireLock(lockPath)
}

func releaseLock(lockPath string) {
	_ = os.Remove(lockPath)
}

func readLockOwner(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 {
		return 0, fmt.Errorf("sandbox: empty TAP lock file")
	}
	return strconv.Atoi(strings.TrimSpace(lines[0]))
}

func ownerAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(unix.Signal(0)) == nil
}
