package bootassets

import (
	"archive/tar"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	_ "modernc.org/sqlite"
)

// OCIConfig is the subset of an OCI image's config the engine cares about
// (currently informational only — the guest always runs its own fixed
// entrypoint, but the config is retained for diagnostics).
type OCIConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	Workdir    string
	User       string
}

const (
	minimumRootFSSizeBytes = 512 << 20
	rootFSHeadroomBytes    = 128 << 20
	rootFSAlignBytes       = 4 << 20
)

func pullImageFromRegistry(ctx context.Context, ref string) (io.ReadCloser, OCIConfig, error) {
	digestRef, err := name.NewDigest(ref)
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("parse digest reference %q: %w", ref, err)
	}

	img, err := remote.Image(digestRef, remote.WithContext(ctx))
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("pull OCI image %q: %w", ref, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, OCIConfig{}, fmt.Errorf("read OCI config for %q: %w", ref, err)
	}

	rootFSTar := mutate.Extract(img)
	return rootFSTar, OCIConfig{
		Entrypoint: append([]string(nil), cfg.Config.Entrypoint...),
		Cmd:        append([]string(nil), cfg.Config.Cmd...),
		Env:        append([]string(nil), cfg.Config.Env...),
		Workdir:    cfg.Config.WorkingDir,
		User:       cfg.Config.User,
	}, nil
}

func digestFromRef(ref string) (string, error) {
	d, err := name.NewDigest(ref)
	if err != nil {
		return "", err
	}
	return d.DigestStr(), nil
}

func (m *Manager) ensureOCIAsset(ctx context.Context, spec Spec) (EnsureResult, error) {
	digest, err := digestFromRef(spec.Ref)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("asset %q ref must be digest-pinned: %w", spec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, found, err := m.lookupAssetRecord(ctx, spec.ID)
	if err == nil && found && record.Digest == digest {
		if _, statErr := os.Stat(record.Path); statErr == nil {
			return EnsureResult{Path: record.Path, CacheHit: true, Spec: spec, OCIConfig: record.OCIConfig}, nil
		}
	}

	tarStream, cfg, err := m.pullImage(ctx, spec.Ref)
	if err != nil {
		return EnsureResult{}, err
	}
	defer tarStream.Close()

	dest := filepath.Join(m.assetsDir, spec.ID+".ext4")
	tmp := dest + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if _, err := m.materialize(ctx, m.mkfsBinary, tarStream, tmp); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return EnsureResult{}, fmt.Errorf("store materialized asset %q: %w", dest, err)
	}

	if err := m.upsertAssetRecord(ctx, assetRecord{
		ID:        spec.ID,
		Digest:    digest,
		Path:      dest,
		OCIConfig: cfg,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return EnsureResult{}, err
	}

	return EnsureResult{Path: dest, CacheHit: false, Spec: spec, OCIConfig: cfg}, nil
}

type assetRecord struct {
	ID        string
	Digest    string
	Path      string
	OCIConfig OCIConfig
	UpdatedAt time.Time
}

func (m *Manager) initDB(ctx context.Context) error {
	db, err := sql.Open("sqlite", m.metadataDBPath)
	if err != nil {
		return fmt.Errorf("open asset metadata database %q: %w", m.metadataDBPath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			path TEXT NOT NULL,
			oci_entrypoint_json TEXT NOT NULL,
			oci_cmd_json TEXT NOT NULL,
			oci_env_json TEXT NOT NULL,
			oci_workdir TEXT NOT NULL,
			oci_user TEXT NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("initialise asset metadata schema: %w", err)
	}
	return nil
}

func (m *Manager) lookupAssetRecord(ctx context.Context, id string) (assetRecord, bool, error) {
	db, err := sql.Open("sqlite", m.metadataDBPath)
	if err != nil {
		return assetRecord{}, false, fmt.Errorf("open asset metadata database %q: %w", m.metadataDBPath, err)
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT id, digest, path, oci_entrypoint_json, oci_cmd_json, oci_env_json, oci_workdir, oci_user, updated_at_unix
		FROM assets WHERE id = ?
	`, id)

	var (
		rec            assetRecord
		entrypointJSON string
		cmdJSON        string
		envJSON        string
		updatedAtUnix  int64
	)
	err = row.Scan(&rec.ID, &rec.Digest, &rec.Path, &entrypointJSON, &cmdJSON, &envJSON, &rec.OCIConfig.Workdir, &rec.OCIConfig.User, &updatedAtUnix)
	if err == sql.ErrNoRows {
		return assetRecord{}, false, nil
	}
	if err != nil {
		return assetRecord{}, false, err
	}
	rec.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	rec.OCIConfig.Entrypoint, _ = unmarshalStringSlice(entrypointJSON)
	rec.OCIConfig.Cmd, _ = unmarshalStringSlice(cmdJSON)
	rec.OCIConfig.Env, _ = unmarshalStringSlice(envJSON)
	return rec, true, nil
}

func (m *Manager) upsertAssetRecord(ctx context.Context, rec assetRecord) error {
	db, err := sql.Open("sqlite", m.metadataDBPath)
	if err != nil {
		return fmt.Errorf("open asset metadata database %q: %w", m.metadataDBPath, err)
	}
	defer db.Close()

	entrypointJSON, err := marshalStringSlice(rec.OCIConfig.Entrypoint)
	if err != nil {
		return err
	}
	cmdJSON, err := marshalStringSlice(rec.OCIConfig.Cmd)
	if err != nil {
		return err
	}
	envJSON, err := marshalStringSlice(rec.OCIConfig.Env)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO assets (id, digest, path, oci_entrypoint_json, oci_cmd_json, oci_env_json, oci_workdir, oci_user, updated_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			digest = excluded.digest,
			path = excluded.path,
			oci_entrypoint_json = excluded.oci_entrypoint_json,
			oci_cmd_json = excluded.oci_cmd_json,
			oci_env_json = excluded.oci_env_json,
			oci_workdir = excluded.oci_workdir,
			oci_user = excluded.oci_user,
			updated_at_unix = excluded.updated_at_unix
	`, rec.ID, rec.Digest, rec.Path, entrypointJSON, cmdJSON, envJSON, rec.OCIConfig.Workdir, rec.OCIConfig.User, rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert asset metadata for %s: %w", rec.ID, err)
	}
	return nil
}

func marshalStringSlice(values []string) (string, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal OCI config string slice: %w", err)
	}
	return string(b), nil
}

func unmarshalStringSlice(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse OCI config string slice: %w", err)
	}
	return out, nil
}

// materializeExt4 extracts tarStream into a freshly-sized ext4 image at
// outputPath, sized to the extracted content plus headroom.
func materializeExt4(ctx context.Context, mkfsBinary string, tarStream io.Reader, outputPath string) (int64, error) {
	workDir, err := os.MkdirTemp("", "bootassets-materialize-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary materialisation directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	rootDir := filepath.Join(workDir, "root")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return 0, fmt.Errorf("create temporary extraction directory: %w", err)
	}
	if err := extractTar(rootDir, tarStream); err != nil {
		return 0, err
	}

	for _, requiredDir := range []string{"dev", "proc", "run", "sys", "tmp"} {
		if err := os.MkdirAll(filepath.Join(rootDir, requiredDir), 0o755); err != nil {
			return 0, fmt.Errorf("prepare directory %q: %w", requiredDir, err)
		}
	}

	contentBytes, err := dirSize(rootDir)
	if err != nil {
		return 0, fmt.Errorf("calculate extracted content size: %w", err)
	}
	targetSize := computeImageSize(contentBytes)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory for %q: %w", outputPath, err)
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create output file %q: %w", outputPath, err)
	}
	if err := f.Truncate(targetSize); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("truncate output %q to %d bytes: %w", outputPath, targetSize, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close output file %q: %w", outputPath, err)
	}

	cmd := exec.CommandContext(ctx, mkfsBinary, "-F", "-E", "lazy_itable_init=1,lazy_journal_init=1", "-d", rootDir, outputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("run %s for %q: %w: %s", mkfsBinary, outputPath, err, strings.TrimSpace(string(output)))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("stat materialised image %q: %w", outputPath, err)
	}
	return info.Size(), nil
}

func computeImageSize(contentBytes int64) int64 {
	target := contentBytes + (contentBytes / 2) + rootFSHeadroomBytes
	if target < minimumRootFSSizeBytes {
		target = minimumRootFSSizeBytes
	}
	remainder := target % rootFSAlignBytes
	if remainder == 0 {
		return target
	}
	return target + (rootFSAlignBytes - remainder)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func extractTar(root string, stream io.Reader) error {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		targetPath, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("create directory %q from tar stream: %w", targetPath, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for %q: %w", targetPath, err)
			}
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create file %q from tar stream: %w", targetPath, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return fmt.Errorf("write file %q from tar stream: %w", targetPath, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close file %q from tar stream: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for symlink %q: %w", targetPath, err)
			}
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("create symlink %q -> %q from tar stream: %w", targetPath, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("create parent directory for hard link %q: %w", targetPath, err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("create hard link %q -> %q from tar stream: %w", targetPath, linkTarget, err)
			}
		default:
			// Device nodes and similar entries are skipped; /dev is mounted at boot.
		}
	}
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("refusing tar entry with unsafe path %q", name)
	}
	joined := filepath.Join(root, clean)
	rootPrefix := root + string(filepath.Separator)
	if joined != root && !strings.HasPrefix(joined, rootPrefix) {
		return "", fmt.Errorf("refusing tar entry outside root %q", name)
	}
	return joined, nil
}
