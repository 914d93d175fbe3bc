package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// BadgeFile is the name of the exported progress ring.
	BadgeFile = "test262_progress.svg"

	// SummaryFile is the name of the exported JSON summary.
	SummaryFile = "summary.json"
)

// Exporter writes report artifacts to a directory and optionally uploads
// them.
type Exporter struct {
	log      logrus.FieldLogger
	fs       afero.Fs
	dir      string
	uploader Uploader
}

// NewExporter creates an exporter writing into dir. A nil uploader keeps
// the artifacts local.
func NewExporter(log logrus.FieldLogger, fs afero.Fs, dir string, uploader Uploader) *Exporter {
	return &Exporter{
		log:      log.WithField("component", "report"),
		fs:       fs,
		dir:      dir,
		uploader: uploader,
	}
}

// Export writes the badge and summary for s and returns the written paths.
func (e *Exporter) Export(ctx context.Context, s *Summary) ([]string, error) {
	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	summary, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}

	artifacts := []struct {
		name string
		data []byte
	}{
		{name: BadgeFile, data: Badge(s.Passed, s.Total)},
		{name: SummaryFile, data: append(summary, '\n')},
	}

	written := make([]string, 0, len(artifacts))

	for _, a := range artifacts {
		p := filepath.Join(e.dir, a.name)

		if err := afero.WriteFile(e.fs, p, a.data, 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", a.name, err)
		}

		written = append(written, p)

		e.log.WithFields(logrus.Fields{
			"path": p,
			"size": units.HumanSize(float64(len(a.data))),
		}).Info("Wrote report artifact")
	}

	if e.uploader == nil {
		return written, nil
	}

	if err := e.uploader.Preflight(ctx); err != nil {
		return written, fmt.Errorf("upload preflight: %w", err)
	}

	for _, p := range written {
		if err := e.uploader.UploadFile(ctx, e.fs, p, filepath.Base(p)); err != nil {
			return written, fmt.Errorf("uploading %s: %w", filepath.Base(p), err)
		}
	}

	e.log.WithField("files", len(written)).Info("Upload completed")

	return written, nil
}
