package exporter

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/types"
)

// ExportZip exports into a scratch directory and packs the result into
// a zip archive at zipPath. The archive write is atomic: a temp file is
// renamed into place on success.
func (ex *Exporter) ExportZip(zipPath string, opts Options, progress *events.Reporter) (*types.ExportStats, error) {
	tmpDir, err := os.MkdirTemp("", "vellum-export-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	stats, err := ex.Export(tmpDir, opts, progress)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return stats, nil
	}

	tmpZip := zipPath + ".tmp"
	if err := packDir(tmpDir, tmpZip); err != nil {
		os.Remove(tmpZip)
		return nil, err
	}
	if err := os.Rename(tmpZip, zipPath); err != nil {
		os.Remove(tmpZip)
		return nil, err
	}

	ex.logger.Info().Str("archive", zipPath).Int("files", stats.FilesExported).Msg("wrote export archive")
	return stats, nil
}

func packDir(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	defer w.Close()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		f, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = f.Write(content)
		return err
	})
}
