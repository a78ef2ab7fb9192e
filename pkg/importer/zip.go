package importer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/types"
)

// ImportZip extracts an archive into a scratch directory and imports
// the extracted tree. Only PDF and XML entries are extracted; paths
// escaping the archive root are rejected.
func (imp *Importer) ImportZip(zipPath string, opts Options, progress *events.Reporter) (*types.ImportStats, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, errdefs.InvalidArgument("open archive %s: %v", zipPath, err)
	}
	defer r.Close()

	tmpDir, err := os.MkdirTemp("", "vellum-import-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name)) {
		case ".pdf", ".xml":
		default:
			continue
		}

		dest := filepath.Join(tmpDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(tmpDir)+string(os.PathSeparator)) {
			return nil, errdefs.InvalidArgument("archive entry %q escapes extraction root", f.Name)
		}

		if err := extractOne(f, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	return imp.ImportDirectory(tmpDir, opts, progress)
}

func extractOne(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
