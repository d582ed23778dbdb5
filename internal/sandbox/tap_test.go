package sandbox

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestDeterministicMACIsStableAndLocallyAdministered(t *testing.T) {
	mac1 := deterministicMAC("job-1", "tap0")
	mac2 := deterministicMAC("job-1", "tap0")
	if mac1.String() != mac2.String() {
		t.Fatalf("deterministicMAC is not stable: %s vs %s", mac1, mac2)
	}
	if mac1[0]&0x02 == 0 {
		t.Fatal("expected locally-administered bit set")
	}
	if mac1[0]&0x01 != 0 {
		t.Fatal("expected unicast bit clear")
	}
}

func TestDeterministicMACDiffersByJob(t *testing.T) {
	mac1 := deterministicMAC("job-1", "tap0")
	mac2 := deterministicMAC("job-2", "tap0")
	if mac1.String() == mac2.String() {
		t.Fatal("expected different jobs to get different MACs")
	}
}

func TestSlotAddressesAreDisjointAcrossSlots(t *testing.T) {
	_, base, err := net.ParseCIDR("10.200.0.0/16")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}

	seen := map[string]bool{}
	for slot := 0; slot < 8; slot++ {
		hostIP, guestIP, mask, err := slotAddresses(base, slot)
		if err != nil {
			t.Fatalf("slotAddresses(%d): %v", slot, err)
		}
		if seen[hostIP.String()] || seen[guestIP.String()] {
			t.Fatalf("slot %d produced an address already seen: host=%s guest=%s", slot, hostIP, guestIP)
		}
		seen[hostIP.String()] = true
		seen[guestIP.String()] = true
		if ones, _ := mask.Size(); ones != 30 {
			t.Fatalf("slot %d mask = /%d, want /30", slot, ones)
		}
	}
}

func TestAcquireLockClaimsFreshLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tap0.lock")

	ok, err := acquireLock(lockPath)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if !ok {
		t.Fatal("expected to claim a fresh lock")
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
}

func TestAcquireLockRefusesWhileOwnerAlive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tap0.lock")

	if err := os.WriteFile(lockPath, []byte(fmt.Sprintf("%d\n%d\n", os.Getpid(), 0)), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	ok, err := acquireLock(lockPath)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if ok {
		t.Fatal("expected lock held by a live process to be refused")
	}
}

func TestAcquireLockReclaimsStaleOwner(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tap0.lock")

	// PID 0 never corresponds to a real live process for ownerAlive's
	// purposes (it rejects non-positive PIDs outright), simulating a
	// lock left behind by a process that has since exited.
	if err := os.WriteFile(lockPath, []byte("0\n0\n"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	ok, err := acquireLock(lockPath)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if !ok {
		t.Fatal("expected a stale lock to be reclaimed")
	}
}

func TestReleaseLockIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tap0.lock")
	releaseLock(lockPath)
	releaseLock(lockPath)
}

func TestNewTAPPoolRejectsMissingNetwork(t *testing.T) {
	_, err := NewTAPPool(TAPPoolOptions{Prefix: "acore-tap", Size: 4, LockDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for missing network")
	}
}

func TestNewTAPPoolRejectsZeroSize(t *testing.T) {
	_, base, _ := net.ParseCIDR("10.200.0.0/16")
	_, err := NewTAPPool(TAPPoolOptions{Prefix: "acore-tap", Size: 0, LockDir: t.TempDir(), Network: base})
	if err == nil {
		t.Fatal("expected error for zero size")
	}
}
