//go:build linux

package ebpf

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap/zaptest"

	"github.com/saworbit/vfsio/pkg/config"
)

var testKernel = kernelInfo{
	Distro:        "ubuntu",
	VersionID:     "22.04",
	KernelRelease: "5.15.0-test",
	Arch:          "x86_64",
}

func TestBuildBTFHubURL(t *testing.T) {
	url := buildBTFHubURL("https://example.com/base/", testKernel, ".btf.tar.xz")
	want := "https://example.com/base/ubuntu/22.04/x86_64/5.15.0-test.btf.tar.xz"
	if url != want {
		t.Fatalf("unexpected BTFHub URL\nwant: %s\ngot : %s", want, url)
	}
}

func TestDownloadAndCacheBTF(t *testing.T) {
	archive := buildBTFTar(t, "dummy content", xzCompress)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".btf.tar.xz") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	loader := testLoader(t, server.URL)
	dest := filepath.Join(loader.cacheDir, testKernel.KernelRelease+".btf")

	path, err := loader.downloadAndCache(context.Background(), testKernel, dest)
	if err != nil {
		t.Fatalf("downloadAndCache failed: %v", err)
	}
	if path != dest {
		t.Fatalf("expected dest path %s, got %s", dest, path)
	}
	assertFile(t, dest, "dummy content")
}

func TestDownloadFallsBackToZstd(t *testing.T) {
	archive := buildBTFTar(t, "zstd content", zstdCompress)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasSuffix(r.URL.Path, ".btf.tar.zst") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	loader := testLoader(t, server.URL)
	dest := filepath.Join(loader.cacheDir, testKernel.KernelRelease+".btf")

	if _, err := loader.downloadAndCache(context.Background(), testKernel, dest); err != nil {
		t.Fatalf("downloadAndCache failed: %v", err)
	}
	assertFile(t, dest, "zstd content")
	if n := requests.Load(); n != 2 {
		t.Fatalf("expected xz then zstd requests, got %d", n)
	}
}

func TestDownloadFailureLeavesNoCache(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	loader := testLoader(t, server.URL)
	dest := filepath.Join(loader.cacheDir, testKernel.KernelRelease+".btf")

	if _, err := loader.downloadAndCache(context.Background(), testKernel, dest); err == nil {
		t.Fatalf("expected download error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("expected no cached file, stat err=%v", err)
	}
}

func TestLoadSpecWithoutDownloads(t *testing.T) {
	loader := testLoader(t, "http://127.0.0.1:0")
	loader.allowDownload = false

	_, _, err := loader.LoadSpec(context.Background())
	if err == nil || !strings.Contains(err.Error(), "downloads disabled") {
		t.Fatalf("expected downloads disabled error, got %v", err)
	}
}

func TestParseOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "# comment\nNAME=\"Ubuntu\"\nID=ubuntu\nVERSION_ID=\"22.04\"\nbogus\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write os-release: %v", err)
	}

	meta := parseOSRelease(path)
	if meta["ID"] != "ubuntu" || meta["VERSION_ID"] != "22.04" {
		t.Fatalf("unexpected os-release parse: %v", meta)
	}

	missing := parseOSRelease(filepath.Join(t.TempDir(), "absent"))
	if missing["ID"] != "unknown" {
		t.Fatalf("expected unknown distro, got %q", missing["ID"])
	}
}

func testLoader(t *testing.T, mirror string) *BTFLoader {
	t.Helper()

	cfg := config.DefaultConfig().EBPF.BTF
	cfg.CacheDir = t.TempDir()
	cfg.AllowDownload = true
	cfg.HubMirror = mirror

	loader := NewBTFLoader(cfg, zaptest.NewLogger(t))
	loader.systemPath = filepath.Join(t.TempDir(), "vmlinux")
	loader.info = func() (kernelInfo, error) { return testKernel, nil }
	return loader
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read cached BTF: %v", err)
	}
	if string(data) != want {
		t.Fatalf("unexpected BTF contents: %q", string(data))
	}
}

func xzCompress(t *testing.T, w io.Writer) io.WriteCloser {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		t.Fatalf("failed to create xz writer: %v", err)
	}
	return xzw
}

func zstdCompress(t *testing.T, w io.Writer) io.WriteCloser {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		t.Fatalf("failed to create zstd writer: %v", err)
	}
	return zw
}

func buildBTFTar(t *testing.T, payload string, compress func(*testing.T, io.Writer) io.WriteCloser) []byte {
	t.Helper()

	var buf bytes.Buffer
	cw := compress(t, &buf)
	tw := tar.NewWriter(cw)

	content := []byte(payload)
	if err := tw.WriteHeader(&tar.Header{
		Name: "5.15.0-test.btf",
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("failed to close compressor: %v", err)
	}
	return buf.Bytes()
}
