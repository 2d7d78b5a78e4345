package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ONNXRuntimeVersion is the runtime release fetched by EnsureRuntime.
const ONNXRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform indicates no runtime build exists for GOOS/GOARCH.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

var runtimeArchives = map[string]map[string]string{
	"linux":  {"amd64": "linux-x64", "arm64": "linux-aarch64"},
	"darwin": {"amd64": "osx-x86_64", "arm64": "osx-arm64"},
}

const onnxReleaseURL = "https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz"

func runtimeArchive(goos, goarch string) (string, error) {
	if arch, ok := runtimeArchives[goos][goarch]; ok {
		return arch, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

func libraryName(goos string) string {
	if goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// DefaultRuntimeDir is ~/.local/share/reviewmemory/lib.
func DefaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "reviewmemory", "lib")
}

// LibraryPath returns ONNX_PATH when set, otherwise the managed library in
// dir (DefaultRuntimeDir when empty) if it exists, otherwise "".
func LibraryPath(dir string) string {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p
	}
	if dir == "" {
		dir = DefaultRuntimeDir()
	}
	p := filepath.Join(dir, libraryName(runtime.GOOS))
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// setONNXPathEnv points fastembed at the runtime library. Swapped in tests.
var setONNXPathEnv = func(path string) error {
	return os.Setenv("ONNX_PATH", path)
}

// EnsureRuntime downloads the ONNX runtime into dir unless a library is
// already available, and returns its path.
func EnsureRuntime(ctx context.Context, client *http.Client, dir string) (string, error) {
	if dir == "" {
		dir = DefaultRuntimeDir()
	}
	if p := LibraryPath(dir); p != "" {
		return p, nil
	}
	if client == nil {
		client = http.DefaultClient
	}

	platform, err := runtimeArchive(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	url := fmt.Sprintf(onnxReleaseURL, ONNXRuntimeVersion, platform, ONNXRuntimeVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading onnx runtime: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading onnx runtime: status %d", resp.StatusCode)
	}

	prefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, ONNXRuntimeVersion)
	if err := extractLibraries(resp.Body, dir, prefix, libraryName(runtime.GOOS)); err != nil {
		return "", fmt.Errorf("extracting archive: %w", err)
	}

	p := LibraryPath(dir)
	if p == "" {
		return "", fmt.Errorf("onnx runtime extracted but %s not found", libraryName(runtime.GOOS))
	}
	return p, setONNXPathEnv(p)
}

// extractLibraries copies the files under prefix from a release tarball into
// dir, flattening paths. Symlinks are recreated.
func extractLibraries(r io.Reader, dir, prefix, lib string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(name, prefix) || hdr.Typeflag == tar.TypeDir {
			continue
		}
		base := filepath.Base(name)
		dest := filepath.Join(dir, base)

		if hdr.Typeflag == tar.TypeSymlink {
			_ = os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err == nil && base == lib {
				found = true
			}
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", base, err)
		}
		_, err = io.Copy(out, tr)
		out.Close()
		if err != nil {
			return fmt.Errorf("writing %s: %w", base, err)
		}
		if base == lib || strings.HasPrefix(base, lib+".") {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("library %s not found in archive", lib)
	}
	return nil
}
