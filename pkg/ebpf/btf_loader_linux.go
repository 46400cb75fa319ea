//go:build linux

package ebpf

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/saworbit/vfsio/pkg/config"
)

const (
	systemBTFPath  = "/sys/kernel/btf/vmlinux"
	osReleasePath  = "/etc/os-release"
	kernelRelease  = "/proc/sys/kernel/osrelease"
	defaultHubBase = "https://github.com/aquasecurity/btfhub-archive/raw/main"
)

// BTFLoader finds kernel type information: an explicit file, the running
// kernel's own BTF, a cached copy or a BTFHub download.
type BTFLoader struct {
	path          string
	cacheDir      string
	allowDownload bool
	baseURL       string
	client        *http.Client
	logger        *zap.Logger

	systemPath string
	info       func() (kernelInfo, error)
}

// NewBTFLoader constructs a loader from the BTF section of the config.
func NewBTFLoader(cfg config.BTFConfig, logger *zap.Logger) *BTFLoader {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := cfg.CacheDir
	if cache == "" {
		cache = filepath.Join(os.TempDir(), "vfsio", "btf")
	}

	baseURL := strings.TrimSuffix(cfg.HubMirror, "/")
	if baseURL == "" {
		baseURL = defaultHubBase
	}

	return &BTFLoader{
		path:          cfg.Path,
		cacheDir:      cache,
		allowDownload: cfg.AllowDownload,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger.Named("btf"),
		systemPath:    systemBTFPath,
		info:          detectKernelInfo,
	}
}

// LoadSpec returns a usable BTF spec and the file it was read from.
func (l *BTFLoader) LoadSpec(ctx context.Context) (*btf.Spec, string, error) {
	if l.path != "" {
		spec, err := btf.LoadSpec(l.path)
		if err != nil {
			return nil, "", fmt.Errorf("load btf %s: %w", l.path, err)
		}
		return spec, l.path, nil
	}

	spec, err := btf.LoadSpec(l.systemPath)
	if err == nil {
		return spec, l.systemPath, nil
	}
	l.logger.Warn("System BTF unavailable", zap.String("path", l.systemPath), zap.Error(err))

	info, err := l.info()
	if err != nil {
		return nil, "", err
	}

	cachedPath := filepath.Join(l.cacheDir, info.KernelRelease+".btf")
	if _, err := os.Stat(cachedPath); err == nil {
		spec, err := btf.LoadSpec(cachedPath)
		return spec, cachedPath, err
	}

	if !l.allowDownload {
		return nil, "", fmt.Errorf("no system BTF found and downloads disabled (expected cache at %s)", cachedPath)
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create btf cache dir: %w", err)
	}
	path, err := l.downloadAndCache(ctx, info, cachedPath)
	if err != nil {
		return nil, "", err
	}

	spec, err = btf.LoadSpec(path)
	return spec, path, err
}

// downloadAndCache fetches the BTFHub archive for info and stores the .btf
// inside it at destPath. Mirrors may serve zstd instead of xz.
func (l *BTFLoader) downloadAndCache(ctx context.Context, info kernelInfo, destPath string) (string, error) {
	var lastErr error
	for _, ext := range []string{".btf.tar.xz", ".btf.tar.zst"} {
		url := buildBTFHubURL(l.baseURL, info, ext)
		err := l.fetch(ctx, url, destPath)
		if err == nil {
			l.logger.Info("Downloaded BTF", zap.String("url", url), zap.String("path", destPath))
			return destPath, nil
		}
		l.logger.Warn("BTF download failed", zap.String("url", url), zap.Error(err))
		lastErr = err
	}
	return "", lastErr
}

func (l *BTFLoader) fetch(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", url, err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("download BTF from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("btfhub download failed (%s): %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(l.cacheDir, "btfhub-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write temp BTF archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return extractBTFArchive(tmp.Name(), destPath, strings.HasSuffix(url, ".zst"))
}

func extractBTFArchive(archivePath, destPath string, isZstd bool) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open BTF archive: %w", err)
	}
	defer f.Close()

	var r io.Reader
	if isZstd {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("init zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	} else {
		xzReader, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("init xz reader: %w", err)
		}
		r = xzReader
	}

	tarReader := tar.NewReader(r)
	for {
		hdr, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".btf") {
			continue
		}
		return writeFileFromTar(destPath, tarReader)
	}

	return fmt.Errorf("btf archive did not contain .btf file")
}

// writeFileFromTar writes through a temp file so a torn download never
// leaves a partial cache entry behind.
func writeFileFromTar(path string, r io.Reader) error {
	out, err := os.CreateTemp(filepath.Dir(path), ".btf-*")
	if err != nil {
		return fmt.Errorf("create cached BTF: %w", err)
	}
	defer os.Remove(out.Name())

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write cached BTF: %w", err)
	}
	if err := out.Chmod(0o644); err != nil {
		out.Close()
		return fmt.Errorf("chmod cached BTF: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close cached BTF: %w", err)
	}
	return os.Rename(out.Name(), path)
}

type kernelInfo struct {
	Distro        string
	VersionID     string
	KernelRelease string
	Arch          string
}

func detectKernelInfo() (kernelInfo, error) {
	data, err := os.ReadFile(kernelRelease)
	if err != nil {
		return kernelInfo{}, fmt.Errorf("read kernel release: %w", err)
	}

	arch, err := normalizeArch(runtime.GOARCH)
	if err != nil {
		return kernelInfo{}, err
	}

	meta := parseOSRelease(osReleasePath)
	return kernelInfo{
		Distro:        meta["ID"],
		VersionID:     meta["VERSION_ID"],
		KernelRelease: strings.TrimSpace(string(data)),
		Arch:          arch,
	}, nil
}

// parseOSRelease reads the ID and VERSION_ID keys BTFHub indexes by. A
// missing file yields "unknown" for both.
func parseOSRelease(path string) map[string]string {
	meta := map[string]string{
		"ID":         "unknown",
		"VERSION_ID": "unknown",
	}

	f, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		meta[key] = strings.ToLower(strings.Trim(val, `"`))
	}
	return meta
}

func normalizeArch(goarch string) (string, error) {
	switch goarch {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported architecture for BTFHub: %s", goarch)
	}
}

func buildBTFHubURL(base string, info kernelInfo, ext string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s%s",
		strings.TrimSuffix(base, "/"),
		info.Distro,
		info.VersionID,
		info.Arch,
		info.KernelRelease,
		ext)
}
