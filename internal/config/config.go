// Package config loads the validation engine's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the engine's full runtime configuration document.
type Config struct {
	Listen     string           `yaml:"listen"`
	Pool       PoolConfig       `yaml:"pool"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	BootAssets BootAssetsConfig `yaml:"boot_assets"`
	Storage    StorageConfig    `yaml:"storage"`
	Egress     EgressConfig     `yaml:"egress"`
	Credential CredentialConfig `yaml:"credential"`
}

// EgressConfig describes where the host's deny-by-default gateway (proxy
// and DNS resolver) listens, so `doctor` can verify it's actually reachable
// without the engine ever installing the iptables rules itself.
type EgressConfig struct {
	PolicyPath string `yaml:"policy_path"` // path to the compiled allowlist document
	GatewayIP  string `yaml:"gateway_ip"`
	ProxyPort  int    `yaml:"proxy_port"`
	DNSPort    int    `yaml:"dns_port"`
}

// AssetSpec describes one boot asset the engine fetches and caches before
// accepting jobs. Source is "http" (kernel image, checked against SHA256)
// or "oci" (validator-bundle, pulled by digest-pinned Ref).
type AssetSpec struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
	Ref    string `yaml:"ref"`
}

// BootAssetsConfig configures the boot asset manager that materializes the
// guest kernel and validator-bundle images the Sandbox Runner attaches to
// every microVM (the validator-bundle image doubles as the root device).
type BootAssetsConfig struct {
	AssetsDir      string      `yaml:"assets_dir"`
	MetadataDBPath string      `yaml:"metadata_db_path"`
	Specs          []AssetSpec `yaml:"specs"`
}

// PoolConfig sizes the worker pool and its bounded job queue.
type PoolConfig struct {
	Workers       int `yaml:"workers"`        // W: fixed worker count
	QueueCapacity int `yaml:"queue_capacity"` // Q: bounded FIFO queue depth
}

// SandboxConfig configures the Firecracker-based Sandbox Runner.
type SandboxConfig struct {
	FirecrackerBinary string `yaml:"firecracker_binary"`
	JailerBinary      string `yaml:"jailer_binary"`
	// ChrootBaseDir roots the per-job jailer chroot trees
	// (<chroot_base_dir>/firecracker/<job_id>/root); JailerUID/JailerGID are
	// the privileges jailer drops to inside that chroot, distinct from the
	// invoking process's own identity (see sandbox.CheckNotBareRoot).
	ChrootBaseDir string `yaml:"chroot_base_dir"`
	JailerUID     int64  `yaml:"jailer_uid"`
	JailerGID     int64  `yaml:"jailer_gid"`
	MkfsBinary    string `yaml:"mkfs_binary"`
	// KernelAssetID and ValidatorBundleAssetID name entries in
	// BootAssetsConfig.Specs; the engine resolves them to local paths at
	// startup via the boot asset manager rather than taking raw filesystem
	// paths here. There is no separate rootfs asset: the validator-bundle
	// image is booted as the guest's root device (see the fixed drive
	// order in the Sandbox Runner's launch plan).
	KernelAssetID          string   `yaml:"kernel_asset_id"`
	ValidatorBundleAssetID string   `yaml:"validator_bundle_asset_id"`
	TAPPrefix              string   `yaml:"tap_prefix"`
	TAPLockDir             string   `yaml:"tap_lock_dir"`
	TAPNetworkCIDR         string   `yaml:"tap_network_cidr"`
	TAPPoolSize            int      `yaml:"tap_pool_size"`
	DNSServers             []string `yaml:"dns_servers"`
	NetCheckHosts          []string `yaml:"net_check_hosts"`
	NetCheckTimeoutSeconds int      `yaml:"net_check_timeout_seconds"`
	VCPUs                  int64    `yaml:"vcpus"`
	MemoryMiB              int64    `yaml:"memory_mib"`
	WorkspaceRWSizeMiB     int64    `yaml:"workspace_rw_size_mib"`
	LaunchTimeoutSeconds   int64    `yaml:"launch_timeout_seconds"`
}

// StorageConfig roots the engine's persisted submission/log/job layout.
type StorageConfig struct {
	SubmissionsDir string `yaml:"submissions_dir"`
	LogsDir        string `yaml:"logs_dir"`
	JobsDir        string `yaml:"jobs_dir"`
	ArchiveRoot    string `yaml:"archive_root"` // paths outside this root are rejected at ingest
	IndexDBPath    string `yaml:"index_db_path"`
	// StagingDir roots the per-job extracted-and-sanitized workspace trees
	// the Validation Service builds during ingestion, distinct from the
	// Sandbox Runner's RunRootDir (which holds per-job VM run state, not
	// the workspace contents staged into it).
	StagingDir string `yaml:"staging_dir"`
}

// CredentialConfig selects the short-lived bearer credential source injected
// into the guest workspace image.
type CredentialConfig struct {
	Source        string `yaml:"source"` // "env" or "service-account-key"
	KeyFilePath   string `yaml:"key_file_path"`
	RefreshSkewSeconds int `yaml:"refresh_skew_seconds"`
}

func defaults() Config {
	return Config{
		Listen: "127.0.0.1:8080",
		Pool: PoolConfig{
			Workers:       2,
			QueueCapacity: 16,
		},
		Sandbox: SandboxConfig{
			FirecrackerBinary:      "firecracker",
			JailerBinary:           "jailer",
			ChrootBaseDir:          "/srv/jailer",
			JailerUID:              10000,
			JailerGID:              10000,
			MkfsBinary:             "mkfs.ext4",
			KernelAssetID:          "kernel",
			ValidatorBundleAssetID: "validator-bundle",
			TAPPrefix:              "acore-tap",
			TAPLockDir:             "/tmp/acore-tap-locks",
			TAPNetworkCIDR:         "172.16.0.0/16",
			TAPPoolSize:            8,
			DNSServers:             []string{"172.16.0.1"},
			NetCheckTimeoutSeconds: 10,
			VCPUs:                  1,
			MemoryMiB:              512,
			WorkspaceRWSizeMiB:     2048,
			LaunchTimeoutSeconds:   120,
		},
		BootAssets: BootAssetsConfig{
			AssetsDir:      "./data/boot-assets",
			MetadataDBPath: "./data/boot-assets/assets.db",
		},
		Egress: EgressConfig{
			PolicyPath: "./config/egress-policy.yaml",
			GatewayIP:  "172.16.0.1",
			ProxyPort:  3128,
			DNSPort:    53,
		},
		Storage: StorageConfig{
			SubmissionsDir: "./data/submissions",
			LogsDir:        "./data/logs",
			JobsDir:        "./data/jobs",
			ArchiveRoot:    "./data/submissions",
			IndexDBPath:    "./data/jobs/index.db",
			StagingDir:     "./data/staging",
		},
		Credential: CredentialConfig{
			Source:             "env",
			RefreshSkewSeconds: 300,
		},
	}
}

// Load reads and validates the YAML document at path, layering it over
// defaults() for any field left unset.
func Load(path string) (Config, error) {
	cfg := defaults()

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be >= 1, got %d", c.Pool.Workers)
	}
	if c.Pool.QueueCapacity < 0 {
		return fmt.Errorf("pool.queue_capacity must be >= 0, got %d", c.Pool.QueueCapacity)
	}
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen must not be empty")
	}
	switch c.Credential.Source {
	case "env", "service-account-key":
	default:
		return fmt.Errorf("credential.source must be %q or %q, got %q", "env", "service-account-key", c.Credential.Source)
	}
	return nil
}
