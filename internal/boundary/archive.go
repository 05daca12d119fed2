package boundary

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/apperr"
	"github.com/sells-group/quakemap/internal/fetcher"
)

// download fetches a shapefile ZIP and extracts it into a new temp
// directory, which the caller removes.
func download(ctx context.Context, f fetcher.Fetcher, url string) (string, error) {
	call := apperr.Context{Provider: "boundary", Op: "download", Params: map[string]string{"url": url}}
	if f == nil {
		return "", eris.New("boundary: no fetcher configured for remote boundaries")
	}

	zap.L().Info("boundary: downloading shapefile", zap.String("url", url))
	resp, err := f.Get(ctx, fetcher.Request{URL: url, Call: call})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Network(call, resp.StatusCode,
			eris.Errorf("boundary: download returned %s", fetcher.StatusMessage(resp.StatusCode, resp.Body)))
	}

	zr, err := zip.NewReader(bytes.NewReader(resp.Body), int64(len(resp.Body)))
	if err != nil {
		return "", apperr.DataFormat(call, eris.Wrap(err, "boundary: open zip"))
	}
	dir, err := os.MkdirTemp("", "quakemap-boundary-")
	if err != nil {
		return "", eris.Wrap(err, "boundary: create temp dir")
	}
	if err := extractZIP(zr, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", eris.Wrap(err, "boundary: extract zip")
	}
	return dir, nil
}

func extractZIPFile(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck
	return extractZIP(&r.Reader, destDir)
}

// extractZIP flattens the archive into destDir.
func extractZIP(r *zip.Reader, destDir string) error {
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}
		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}
		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}
	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
