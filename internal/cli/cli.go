// Package cli implements the validation engine's command-line entrypoint:
// serving the HTTP API, running host readiness diagnostics, and validating
// an egress allowlist document before it's deployed.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/alphacore-validation/sandbox-engine/internal/bootassets"
	"github.com/alphacore-validation/sandbox-engine/internal/config"
	"github.com/alphacore-validation/sandbox-engine/internal/credmgr"
	"github.com/alphacore-validation/sandbox-engine/internal/egresspolicy"
	"github.com/alphacore-validation/sandbox-engine/internal/hosttools"
	"github.com/alphacore-validation/sandbox-engine/internal/httpapi"
	"github.com/alphacore-validation/sandbox-engine/internal/jobstore"
	"github.com/alphacore-validation/sandbox-engine/internal/pool"
	"github.com/alphacore-validation/sandbox-engine/internal/sandbox"
)

type runtimeContext struct {
	Stdout  *os.File
	Version string
}

type CLI struct {
	Serve  ServeCommand  `cmd:"" help:"Run the validation engine's HTTP service"`
	Doctor DoctorCommand `cmd:"" help:"Run host readiness diagnostics"`
	Policy PolicyCommand `cmd:"" help:"Egress policy commands"`
}

type PolicyCommand struct {
	Validate PolicyValidateCommand `cmd:"" help:"Validate an egress allowlist document"`
}

type PolicyValidateCommand struct {
	Path string `arg:"" help:"Path to the egress allowlist YAML document"`
	JSON bool   `help:"Print compiled policy as JSON"`
}

type ServeCommand struct {
	ConfigPath string `short:"c" default:"./config.yaml" help:"Path to the engine configuration YAML"`
	LogLevel   string `help:"Server log level (debug|info|warn|error)"`
}

type DoctorCommand struct {
	ConfigPath string `short:"c" default:"./config.yaml" help:"Path to the engine configuration YAML"`
	JSON       bool   `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func Run(args []string, version string) error {
	runtimeCtx := &runtimeContext{Stdout: os.Stdout, Version: version}

	c := CLI{}
	parser, err := kong.New(
		&c,
		kong.Name("validation-engine"),
		kong.Description("Sandboxed Terraform validation engine"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func (p *PolicyValidateCommand) Run(ctx *runtimeContext) error {
	compiled, err := egresspolicy.Load(p.Path)
	if err != nil {
		return err
	}

	if p.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(compiled)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "policy valid: %s\npolicy hash: %s\n", p.Path, compiled.Hash)
	return err
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	if err := sandbox.CheckNotBareRoot(); err != nil {
		return err
	}

	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	assets, err := buildBootAssetManager(cfg, logger)
	if err != nil {
		return err
	}
	kernelPath, validatorBundlePath, err := ensureBootAssets(context.Background(), assets, cfg.Sandbox)
	if err != nil {
		return err
	}

	firecrackerBinary, err := hosttools.ResolveBinary(cfg.Sandbox.FirecrackerBinary)
	if err != nil {
		return fmt.Errorf("resolve firecracker binary: %w", err)
	}
	jailerBinary, err := hosttools.ResolveBinary(cfg.Sandbox.JailerBinary)
	if err != nil {
		return fmt.Errorf("resolve jailer binary: %w", err)
	}
	mkfsBinary, err := hosttools.ResolveE2FSProgsBinary(cfg.Sandbox.MkfsBinary)
	if err != nil {
		return fmt.Errorf("resolve mkfs binary: %w", err)
	}

	_, network, err := net.ParseCIDR(cfg.Sandbox.TAPNetworkCIDR)
	if err != nil {
		return fmt.Errorf("parse sandbox.tap_network_cidr %q: %w", cfg.Sandbox.TAPNetworkCIDR, err)
	}
	tapPool, err := sandbox.NewTAPPool(sandbox.TAPPoolOptions{
		Prefix:  cfg.Sandbox.TAPPrefix,
		LockDir: cfg.Sandbox.TAPLockDir,
		Size:    cfg.Sandbox.TAPPoolSize,
		Network: network,
	})
	if err != nil {
		return fmt.Errorf("build TAP pool: %w", err)
	}

	runner := &sandbox.Runner{
		FirecrackerBinary: firecrackerBinary,
		JailerBinary:      jailerBinary,
		ChrootBaseDir:     cfg.Sandbox.ChrootBaseDir,
		JailerUID:         cfg.Sandbox.JailerUID,
		JailerGID:         cfg.Sandbox.JailerGID,
		MkfsBinary:        mkfsBinary,
		RunRootDir:        cfg.Storage.StagingDir,
		TAPPool:           tapPool,
		DNSServers:        cfg.Sandbox.DNSServers,
		NetCheckHosts:     cfg.Sandbox.NetCheckHosts,
		NetCheckTimeout:   time.Duration(cfg.Sandbox.NetCheckTimeoutSeconds) * time.Second,
		BootTimeout:       time.Duration(cfg.Sandbox.LaunchTimeoutSeconds) * time.Second,
		TerminateGrace:    5 * time.Second,
		VCPUs:             cfg.Sandbox.VCPUs,
		MemoryMiB:         cfg.Sandbox.MemoryMiB,
		Logger:            logger.With("subsystem", "sandbox"),
	}

	store, err := jobstore.Open(context.Background(), jobstore.Store{
		SubmissionsDir: cfg.Storage.SubmissionsDir,
		JobsDir:        cfg.Storage.JobsDir,
		LogsDir:        cfg.Storage.LogsDir,
		IndexDBPath:    cfg.Storage.IndexDBPath,
	})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	workerPool, err := pool.New(pool.Options{
		Workers:       cfg.Pool.Workers,
		QueueCapacity: cfg.Pool.QueueCapacity,
		Logger:        logger.With("subsystem", "pool"),
	})
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}

	creds := credmgr.New(credmgr.Options{
		Minter:      buildMinter(cfg.Credential),
		RefreshSkew: time.Duration(cfg.Credential.RefreshSkewSeconds) * time.Second,
		Logger:      logger.With("subsystem", "credmgr"),
	})
	if err := creds.Start(context.Background()); err != nil {
		logger.Warn("initial credential mint failed; will retry in background", "err", err)
	}

	svc := httpapi.NewService(httpapi.Options{
		Pool:                workerPool,
		Store:               store,
		Credentials:         creds,
		RunJob:              runner.Run,
		KernelImagePath:     kernelPath,
		ValidatorBundlePath: validatorBundlePath,
		ArchiveRoot:         cfg.Storage.ArchiveRoot,
		StagingDir:          cfg.Storage.StagingDir,
		Workers:             cfg.Pool.Workers,
		Logger:              logger.With("subsystem", "httpapi"),
	})

	server := httpapi.NewServer(cfg.Listen, svc, logger.With("subsystem", "http"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-runCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "err", err)
	}
	creds.Stop()
	workerPool.Stop(shutdownCtx)
	return nil
}

func buildMinter(cfg config.CredentialConfig) credmgr.Minter {
	switch cfg.Source {
	case "service-account-key":
		return &credmgr.ServiceAccountKeyMinter{KeyFilePath: cfg.KeyFilePath}
	default:
		return &credmgr.ServiceAccountKeyMinter{}
	}
}

func buildBootAssetManager(cfg config.Config, logger *log.Logger) (*bootassets.Manager, error) {
	specs := make([]bootassets.Spec, 0, len(cfg.BootAssets.Specs))
	for _, s := range cfg.BootAssets.Specs {
		specs = append(specs, bootassets.Spec{
			ID:     s.ID,
			Source: bootassets.SourceKind(s.Source),
			URL:    s.URL,
			SHA256: s.SHA256,
			Ref:    s.Ref,
		})
	}
	return bootassets.New(bootassets.Options{
		AssetsDir:      cfg.BootAssets.AssetsDir,
		MetadataDBPath: cfg.BootAssets.MetadataDBPath,
		MkfsBinary:     cfg.Sandbox.MkfsBinary,
		Specs:          specs,
	})
}

func ensureBootAssets(ctx context.Context, assets *bootassets.Manager, cfg config.SandboxConfig) (kernelPath, validatorBundlePath string, err error) {
	kernel, err := assets.EnsureAsset(ctx, cfg.KernelAssetID)
	if err != nil {
		return "", "", fmt.Errorf("ensure kernel asset %q: %w", cfg.KernelAssetID, err)
	}
	validatorBundle, err := assets.EnsureAsset(ctx, cfg.ValidatorBundleAssetID)
	if err != nil {
		return "", "", fmt.Errorf("ensure validator bundle asset %q: %w", cfg.ValidatorBundleAssetID, err)
	}
	return kernel.Path, validatorBundle.Path, nil
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg, cfgErr := config.Load(d.ConfigPath)

	var checks []doctorCheck
	appendCheck := func(name, status, message string) {
		checks = append(checks, doctorCheck{Name: name, Status: status, Message: message})
	}

	if cfgErr != nil {
		appendCheck("config", "fail", fmt.Sprintf("load %s: %v", d.ConfigPath, cfgErr))
		return printDoctorReport(ctx.Stdout, checks, d.JSON)
	}
	appendCheck("config", "pass", fmt.Sprintf("loaded %s", d.ConfigPath))

	if err := sandbox.CheckNotBareRoot(); err != nil {
		appendCheck("invoking_identity", "fail", err.Error())
	} else {
		appendCheck("invoking_identity", "pass", "not running as bare root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		appendCheck("kvm", "fail", "missing /dev/kvm")
	} else if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err != nil {
		appendCheck("kvm", "fail", fmt.Sprintf("cannot open /dev/kvm read-write: %v", err))
	} else {
		_ = f.Close()
		appendCheck("kvm", "pass", "/dev/kvm is accessible")
	}

	if path, err := hosttools.ResolveBinary(cfg.Sandbox.FirecrackerBinary); err != nil {
		appendCheck("firecracker_binary", "fail", err.Error())
	} else {
		appendCheck("firecracker_binary", "pass", fmt.Sprintf("found %s", path))
	}

	if path, err := hosttools.ResolveBinary(cfg.Sandbox.JailerBinary); err != nil {
		appendCheck("jailer_binary", "fail", err.Error())
	} else {
		appendCheck("jailer_binary", "pass", fmt.Sprintf("found %s", path))
	}

	if path, err := hosttools.ResolveE2FSProgsBinary(cfg.Sandbox.MkfsBinary); err != nil {
		appendCheck("mkfs_binary", "fail", err.Error())
	} else {
		appendCheck("mkfs_binary", "pass", fmt.Sprintf("found %s", path))
	}

	if _, _, err := net.ParseCIDR(cfg.Sandbox.TAPNetworkCIDR); err != nil {
		appendCheck("tap_network", "fail", fmt.Sprintf("invalid sandbox.tap_network_cidr: %v", err))
	} else if _, err := sandbox.NewTAPPool(sandbox.TAPPoolOptions{
		Prefix:  cfg.Sandbox.TAPPrefix,
		LockDir: cfg.Sandbox.TAPLockDir,
		Size:    cfg.Sandbox.TAPPoolSize,
		Network: mustParseCIDR(cfg.Sandbox.TAPNetworkCIDR),
	}); err != nil {
		appendCheck("tap_pool", "fail", err.Error())
	} else {
		appendCheck("tap_pool", "pass", fmt.Sprintf("lock directory %s ready, %d slots", cfg.Sandbox.TAPLockDir, cfg.Sandbox.TAPPoolSize))
	}

	if _, err := egresspolicy.Load(cfg.Egress.PolicyPath); err != nil {
		appendCheck("egress_policy", "fail", fmt.Sprintf("load %s: %v", cfg.Egress.PolicyPath, err))
	} else {
		appendCheck("egress_policy", "pass", fmt.Sprintf("compiled %s", cfg.Egress.PolicyPath))
	}

	report := egresspolicy.Verifier{
		TAPPrefix: cfg.Sandbox.TAPPrefix,
		GatewayIP: cfg.Egress.GatewayIP,
		ProxyPort: cfg.Egress.ProxyPort,
		DNSPort:   cfg.Egress.DNSPort,
	}.Check()
	appendCheck("egress_gateway", readinessStatus(report.Ready()), egressSummary(report))

	return printDoctorReport(ctx.Stdout, checks, d.JSON)
}

func readinessStatus(ready bool) string {
	if ready {
		return "pass"
	}
	return "warn"
}

func egressSummary(r egresspolicy.ReadinessReport) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("tap_filter=%v", r.TAPFilterPresent))
	parts = append(parts, fmt.Sprintf("metadata_blocked=%v", r.MetadataBlocked))
	parts = append(parts, fmt.Sprintf("proxy_reachable=%v", r.ProxyReachable))
	parts = append(parts, fmt.Sprintf("dns_reachable=%v", r.DNSResolverReachable))
	if len(r.Errors) > 0 {
		parts = append(parts, "errors="+strings.Join(r.Errors, "; "))
	}
	return strings.Join(parts, " ")
}

func mustParseCIDR(cidr string) *net.IPNet {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil
	}
	return network
}

func printDoctorReport(stdout *os.File, checks []doctorCheck, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(checks)
	}
	if _, err := fmt.Fprintln(stdout, "doctor report"); err != nil {
		return err
	}
	for _, c := range checks {
		if _, err := fmt.Fprintf(stdout, "- [%s] %s: %s\n", c.Status, c.Name, c.Message); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
