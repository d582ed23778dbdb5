// Package bootassets resolves and caches the boot-time assets a sandbox
// run needs: the guest kernel image and the validator-bundle image, which
// is also booted as the guest's root filesystem. Kernel assets are plain
// HTTP downloads verified by SHA256; the validator-bundle asset is an OCI
// image pulled by digest and materialized into an ext4 image,
// with their provenance tracked in a small sqlite metadata cache so a
// repeated run against the same digest is a cache hit, not a re-pull.
package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnknownAsset is returned when a caller asks for an asset ID that was
// never registered with the Manager.
var ErrUnknownAsset = errors.New("bootassets: unknown asset id")

// SourceKind distinguishes how an asset is fetched.
type SourceKind string

const (
	SourceHTTP SourceKind = "http"
	SourceOCI  SourceKind = "oci"
)

// Spec describes one boot asset the Manager knows how to fetch and cache.
type Spec struct {
	ID     string
	Source SourceKind

	// HTTP fields, used when Source == SourceHTTP.
	URL    string
	SHA256 string

	// OCI fields, used when Source == SourceOCI. Ref must be a
	// digest-pinned reference (repo@sha256:...), never a mutable tag, so
	// the cache key is content-addressed.
	Ref string
}

// EnsureResult reports where an asset landed and whether it was already
// cached.
type EnsureResult struct {
	Path      string
	CacheHit  bool
	Spec      Spec
	OCIConfig OCIConfig // zero value for SourceHTTP assets
}

// Options configures a Manager.
type Options struct {
	HTTPClient     *http.Client
	AssetsDir      string
	MetadataDBPath string
	MkfsBinary     string
	Specs          []Spec

	// PullImage and MaterializeRootFS are overridable for tests; nil
	// selects the real go-containerregistry-backed implementations.
	PullImage         func(context.Context, string) (io.ReadCloser, OCIConfig, error)
	MaterializeRootFS func(ctx context.Context, mkfsBinary string, tarStream io.Reader, outputPath string) (int64, error)
}

// Manager fetches and caches boot assets on disk.
type Manager struct {
	client         *http.Client
	assetsDir      string
	metadataDBPath string
	mkfsBinary     string
	specs          map[string]Spec

	pullImage   func(context.Context, string) (io.ReadCloser, OCIConfig, error)
	materialize func(ctx context.Context, mkfsBinary string, tarStream io.Reader, outputPath string) (int64, error)

	mu sync.Mutex
}

// New constructs a Manager. AssetsDir and MetadataDBPath must name
// directories the caller is prepared to have created under them.
func New(opts Options) (*Manager, error) {
	assetsDir := strings.TrimSpace(opts.AssetsDir)
	if assetsDir == "" {
		return nil, errors.New("bootassets: AssetsDir is required")
	}
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets directory %q: %w", assetsDir, err)
	}

	metadataDBPath := strings.TrimSpace(opts.MetadataDBPath)
	if metadataDBPath == "" {
		metadataDBPath = filepath.Join(assetsDir, "assets.db")
	}
	if err := os.MkdirAll(filepath.Dir(metadataDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory for %q: %w", metadataDBPath, err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	mkfsBinary := strings.TrimSpace(opts.MkfsBinary)
	if mkfsBinary == "" {
		mkfsBinary = "mkfs.ext4"
	}

	specs := make(map[string]Spec, len(opts.Specs))
	for _, s := range opts.Specs {
		specs[s.ID] = s
	}

	m := &Manager{
		client:         client,
		assetsDir:      assetsDir,
		metadataDBPath: metadataDBPath,
		mkfsBinary:     mkfsBinary,
		specs:          specs,
		pullImage:      opts.PullImage,
		materialize:    opts.MaterializeRootFS,
	}
	if m.pullImage == nil {
		m.pullImage = pullImageFromRegistry
	}
	if m.materialize == nil {
		m.materialize = materializeExt4
	}
	if err := m.initDB(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup returns the registered spec for id, if any.
func (m *Manager) Lookup(id string) (Spec, bool) {
	spec, ok := m.specs[id]
	return spec, ok
}

// EnsureAsset guarantees the asset named by id is present on disk and
// verified, downloading or pulling it if needed, and returns its path.
func (m *Manager) EnsureAsset(ctx context.Context, id string) (EnsureResult, error) {
	spec, ok := m.specs[id]
	if !ok {
		return EnsureResult{}, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	switch spec.Source {
	case SourceHTTP:
		return m.ensureHTTPAsset(ctx, spec)
	case SourceOCI:
		return m.ensureOCIAsset(ctx, spec)
	default:
		return EnsureResult{}, fmt.Errorf("bootassets: asset %q has unsupported source %q", id, spec.Source)
	}
}

func (m *Manager) ensureHTTPAsset(ctx context.Context, spec Spec) (EnsureResult, error) {
	dest := filepath.Join(m.assetsDir, spec.ID)

	if ok, err := fileMatchesSHA256(dest, spec.SHA256); err != nil {
		return EnsureResult{}, err
	} else if ok {
		return EnsureResult{Path: dest, CacheHit: true, Spec: spec}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, err := fileMatchesSHA256(dest, spec.SHA256); err != nil {
		return EnsureResult{}, err
	} else if ok {
		return EnsureResult{Path: dest, CacheHit: true, Spec: spec}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return EnsureResult{}, fmt.Errorf("create asset directory %q: %w", filepath.Dir(dest), err)
	}

	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := m.downloadAndVerify(ctx, spec, tmp); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, fmt.Errorf("store asset %q: %w", dest, err)
	}
	return EnsureResult{Path: dest, CacheHit: false, Spec: spec}, nil
}

func (m *Manager) downloadAndVerify(ctx context.Context, spec Spec, tmpPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("create asset request: %w", err)
	}
	req.Header.Set("User-Agent", "sandbox-engine")

	res, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download asset from %s: %w", spec.URL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("download asset from %s: unexpected status %d: %s", spec.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary asset %q: %w", tmpPath, err)
	}
	defer out.Close()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), res.Body); err != nil {
		return fmt.Errorf("write asset %q: %w", tmpPath, err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(got, spec.SHA256) {
		return fmt.Errorf("asset checksum mismatch for %s: got %s want %s", spec.URL, got, spec.SHA256)
	}
	return nil
}

func fileMatchesSHA256(path, wantSHA256 string) (bool, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat asset %q: %w", path, err)
	}
	if st.IsDir() {
		return false, fmt.Errorf("asset path %q is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open asset %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, fmt.Errorf("hash asset %q: %w", path, err)
	}
	got := hex.EncodeToString(hash.Sum(nil))
	return strings.EqualFold(got, wantSHA256), nil
}
