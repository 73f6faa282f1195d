package frp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const downloadTimeout = 2 * time.Minute

// ensureBinary returns the path to a ready-to-run frpc binary, downloading
// the pinned release on first use.
func ensureBinary(ctx context.Context) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	name := "frpc"
	if runtime.GOOS == "windows" {
		name = "frpc.exe"
	}
	bin := filepath.Join(dir, name)
	if info, err := os.Stat(bin); err == nil && !info.IsDir() {
		return bin, nil
	}

	goos, arch, ext, err := platformRelease()
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("frp_%s_%s_%s.%s", Version, goos, arch, ext)
	url := fmt.Sprintf("https://github.com/fatedier/frp/releases/download/v%s/%s", Version, filename)

	archive, err := fetch(ctx, url)
	if err != nil {
		return "", err
	}

	var payload []byte
	if ext == "zip" {
		payload, err = extractZip(archive, name)
	} else {
		payload, err = extractTarGz(archive, name)
	}
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(bin, payload, 0o755); err != nil {
		return "", fmt.Errorf("write binary: %w", err)
	}
	return bin, nil
}

func platformRelease() (goos, arch, ext string, err error) {
	switch runtime.GOOS {
	case "linux", "darwin":
		goos, ext = runtime.GOOS, "tar.gz"
	case "windows":
		goos, ext = "windows", "zip"
	default:
		return "", "", "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	switch runtime.GOARCH {
	case "amd64", "arm64", "386":
		arch = runtime.GOARCH
	default:
		return "", "", "", fmt.Errorf("unsupported architecture %s", runtime.GOARCH)
	}
	return goos, arch, ext, nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func extractTarGz(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if filepath.Base(hdr.Name) == name && hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

func extractZip(archive []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if filepath.Base(f.Name) != name || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		return data, err
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}
